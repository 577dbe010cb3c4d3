package monitoring

import (
	"log"
	"runtime"
	"time"
)

// RuntimeMetricsCollector collects runtime metrics periodically
type RuntimeMetricsCollector struct {
	interval time.Duration
	stopChan chan struct{}
}

// NewRuntimeMetricsCollector creates a new runtime metrics collector
func NewRuntimeMetricsCollector(interval time.Duration) *RuntimeMetricsCollector {
	return &RuntimeMetricsCollector{
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start starts collecting runtime metrics
func (rmc *RuntimeMetricsCollector) Start() {
	ticker := time.NewTicker(rmc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rmc.collectMetrics()
		case <-rmc.stopChan:
			return
		}
	}
}

// Stop stops the runtime metrics collector
func (rmc *RuntimeMetricsCollector) Stop() {
	close(rmc.stopChan)
}

// collectMetrics collects and records runtime metrics
func (rmc *RuntimeMetricsCollector) collectMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// Memory metrics
	SetMemoryUsage(m.Alloc)

	// Goroutine count
	SetGoroutineCount(runtime.NumGoroutine())

	// Log if memory usage is high
	usedMB := float64(m.Alloc) / 1024 / 1024
	totalMB := float64(m.Sys) / 1024 / 1024
	usagePercent := (usedMB / totalMB) * 100

	if usagePercent > 80 {
		log.Printf("[runtime] high memory usage: used=%.1fMB total=%.1fMB (%.1f%%) goroutines=%d",
			usedMB, totalMB, usagePercent, runtime.NumGoroutine())
	}

	// Check goroutine count
	if goroutineCount := runtime.NumGoroutine(); goroutineCount > 10000 {
		log.Printf("[runtime] high goroutine count: %d", goroutineCount)
	}
}
