package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/epic1st/fno-core/cache"
	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/breaker"
	"github.com/epic1st/fno-core/internal/eventbus"
	"github.com/epic1st/fno-core/internal/lock"
	"github.com/epic1st/fno-core/internal/persistence"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents overall system health
type HealthCheck struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     float64                    `json:"uptime_seconds"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

// ReadinessCheck represents readiness probe status
type ReadinessCheck struct {
	Ready      bool                       `json:"ready"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker manages health checks
type HealthChecker struct {
	startTime  time.Time
	version    string
	checkers   map[string]HealthCheckFunc
	mu         sync.RWMutex
	lastCheck  time.Time
	lastResult *HealthCheck
}

// HealthCheckFunc is a function that performs a health check
type HealthCheckFunc func() ComponentHealth

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = checkFunc
}

// Check performs all health checks
func (hc *HealthChecker) Check() *HealthCheck {
	hc.mu.RLock()
	checkers := make(map[string]HealthCheckFunc)
	for k, v := range hc.checkers {
		checkers[k] = v
	}
	hc.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	overallStatus := StatusHealthy

	// Run all health checks
	for name, checkFunc := range checkers {
		componentHealth := checkFunc()
		components[name] = componentHealth

		// Determine overall status
		if componentHealth.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if componentHealth.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	result := &HealthCheck{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.startTime).Seconds(),
		Version:    hc.version,
		Components: components,
	}

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	hc.lastResult = result
	hc.mu.Unlock()

	return result
}

// CheckReadiness checks if the system is ready to serve traffic
func (hc *HealthChecker) CheckReadiness() *ReadinessCheck {
	hc.mu.RLock()
	checkers := make(map[string]HealthCheckFunc)
	for k, v := range hc.checkers {
		checkers[k] = v
	}
	hc.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	ready := true

	// Critical components for readiness: without these the service can't
	// safely serve traffic at all. Cache and breaker checks are excluded
	// deliberately — persistence.Adapter degrades gracefully without the
	// cache, and a single tripped breaker shouldn't take the whole
	// process out of rotation.
	criticalComponents := []string{"database", "lock"}

	for name, checkFunc := range checkers {
		componentHealth := checkFunc()
		components[name] = componentHealth

		// Check if critical component is unhealthy
		for _, critical := range criticalComponents {
			if name == critical && componentHealth.Status == StatusUnhealthy {
				ready = false
			}
		}
	}

	return &ReadinessCheck{
		Ready:      ready,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HTTPHealthHandler returns an HTTP handler for the /healthz endpoint
func (hc *HealthChecker) HTTPHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.Check()

		statusCode := http.StatusOK
		if result.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		} else if result.Status == StatusDegraded {
			statusCode = http.StatusOK // Still serving, but degraded
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(result)
	}
}

// HTTPReadinessHandler returns an HTTP handler for the /readyz endpoint
func (hc *HealthChecker) HTTPReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.CheckReadiness()

		statusCode := http.StatusOK
		if !result.Ready {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(result)
	}
}

// Common health check functions

// MemoryHealthCheck checks memory usage
func MemoryHealthCheck(thresholdPercent float64) HealthCheckFunc {
	return func() ComponentHealth {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		usedMB := float64(m.Alloc) / 1024 / 1024
		totalMB := float64(m.Sys) / 1024 / 1024
		usagePercent := (usedMB / totalMB) * 100

		status := StatusHealthy
		message := "Memory usage normal"

		if usagePercent > thresholdPercent {
			status = StatusDegraded
			message = "High memory usage"
		}
		if usagePercent > 90 {
			status = StatusUnhealthy
			message = "Critical memory usage"
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"used_mb":        usedMB,
				"total_mb":       totalMB,
				"usage_percent":  usagePercent,
				"goroutines":     runtime.NumGoroutine(),
			},
		}
	}
}

// GoroutineHealthCheck checks goroutine count
func GoroutineHealthCheck(maxGoroutines int) HealthCheckFunc {
	return func() ComponentHealth {
		count := runtime.NumGoroutine()

		status := StatusHealthy
		message := "Goroutine count normal"

		if count > maxGoroutines {
			status = StatusDegraded
			message = "High goroutine count"
		}
		if count > maxGoroutines*2 {
			status = StatusUnhealthy
			message = "Critical goroutine count"
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"count":      count,
				"threshold":  maxGoroutines,
			},
		}
	}
}

// UptimeHealthCheck checks system uptime
func UptimeHealthCheck(startTime time.Time, minUptime time.Duration) HealthCheckFunc {
	return func() ComponentHealth {
		uptime := time.Since(startTime)

		status := StatusHealthy
		if uptime < minUptime {
			status = StatusDegraded
		}

		return ComponentHealth{
			Status:      status,
			Message:     "System running",
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"uptime_seconds": uptime.Seconds(),
				"started_at":     startTime.Format(time.RFC3339),
			},
		}
	}
}

// Domain health checks — the subsystems specific to this service, wired
// in alongside MemoryHealthCheck/GoroutineHealthCheck/UptimeHealthCheck
// at startup so /healthz and /readyz degrade on the things that
// actually matter here: a persistence layer falling behind, a tripped
// breaker, or a lock/cache/database connection that's gone away. The hub
// check only reports the subscriber count and never degrades.

// AggregatorBacklogHealthCheck degrades once the persistence queue and
// overflow buffer together exceed maxDepth, and goes unhealthy past
// 2x — the same doubling margin GoroutineHealthCheck uses for its
// escalation from degraded to unhealthy.
func AggregatorBacklogHealthCheck(agg *datapipeline.Aggregator, maxDepth int) HealthCheckFunc {
	return func() ComponentHealth {
		depth := agg.QueueDepth() + agg.OverflowDepth()

		status := StatusHealthy
		message := "persistence backlog normal"
		if depth > maxDepth {
			status = StatusDegraded
			message = "persistence backlog above threshold"
		}
		if depth > maxDepth*2 {
			status = StatusUnhealthy
			message = "persistence backlog critical"
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"queue_depth":    agg.QueueDepth(),
				"overflow_depth": agg.OverflowDepth(),
				"threshold":      maxDepth,
			},
		}
	}
}

// HubHealthCheck reports the fan-out hub's current subscriber count.
// There is no universal "too many" here — it is informational, never
// degraded/unhealthy on its own, since a healthy hub can legitimately
// serve anywhere from zero to thousands of subscribers.
func HubHealthCheck(hub *eventbus.Hub) HealthCheckFunc {
	return func() ComponentHealth {
		return ComponentHealth{
			Status:      StatusHealthy,
			Message:     "fan-out hub active",
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"subscribers": hub.SubscriberCount(),
			},
		}
	}
}

// BreakerHealthCheck degrades if any named breaker has tripped OPEN or
// is mid-trial HALF_OPEN, and reports unhealthy only once every breaker
// the manager knows about is OPEN — a single broken downstream shouldn't
// fail the whole process's readiness.
func BreakerHealthCheck(mgr *breaker.Manager) HealthCheckFunc {
	return func() ComponentHealth {
		states := mgr.States()

		open, halfOpen := 0, 0
		for _, st := range states {
			switch st {
			case breaker.Open:
				open++
			case breaker.HalfOpen:
				halfOpen++
			}
		}

		status := StatusHealthy
		message := "all breakers closed"
		switch {
		case len(states) > 0 && open == len(states):
			status = StatusUnhealthy
			message = "every breaker is open"
		case open > 0 || halfOpen > 0:
			status = StatusDegraded
			message = "one or more breakers open or trialing"
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"states": states,
			},
		}
	}
}

// CacheHealthCheck pings the position-snapshot cache and reports its
// hit-rate/error stats. A Redis outage degrades rather than fails
// readiness — persistence.Adapter falls back to the database when the
// cache is unavailable, so a dead cache alone never stops the service
// from serving reads.
func CacheHealthCheck(c *cache.RedisCache) HealthCheckFunc {
	return func() ComponentHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		status := StatusHealthy
		message := "cache reachable"
		if err := c.Ping(ctx); err != nil {
			status = StatusDegraded
			message = "cache unreachable: " + err.Error()
		}

		stats := c.Stats()
		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"hit_rate": stats.HitRate,
				"errors":   c.Errors(),
			},
		}
	}
}

// LockHealthCheck pings the advisory-lock Redis connection. Unlike the
// cache, this one is wired into readiness's critical set: the cleanup
// worker cannot safely act without it, so a dead lock connection should
// stop the service from taking traffic that depends on it.
func LockHealthCheck(locker *lock.Locker) HealthCheckFunc {
	return func() ComponentHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		status := StatusHealthy
		message := "lock backend reachable"
		if err := locker.Ping(ctx); err != nil {
			status = StatusUnhealthy
			message = "lock backend unreachable: " + err.Error()
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
		}
	}
}

// DatabaseHealthCheck pings the persistence pool and reports its
// acquired/total connection counts.
func DatabaseHealthCheck(adapter *persistence.Adapter) HealthCheckFunc {
	return func() ComponentHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		status := StatusHealthy
		message := "database reachable"
		if err := adapter.Ping(ctx); err != nil {
			status = StatusUnhealthy
			message = "database unreachable: " + err.Error()
		}

		acquired, total := adapter.PoolStat()
		return ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"acquired_conns": acquired,
				"total_conns":    total,
			},
		}
	}
}

// Global health checker
var globalHealthChecker = NewHealthChecker("v3.0.0")

// GetHealthChecker returns the global health checker
func GetHealthChecker() *HealthChecker {
	return globalHealthChecker
}

// SetGlobalHealthChecker sets the global health checker
func SetGlobalHealthChecker(hc *HealthChecker) {
	globalHealthChecker = hc
}
