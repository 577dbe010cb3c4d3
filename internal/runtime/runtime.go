// Package runtime wires every component package into one running process:
// persistence, cache, lock, breaker, broker, the tick/aggregator pipeline,
// the position tracker, the cleanup worker, the two event buses, and the
// supervisor that keeps all of it alive. Grounded on the
// wiring/registration shape of lpmanager/manager.go (which builds its
// adapters, registers them with a manager, and exposes a small surface to
// the HTTP layer) generalized from a liquidity-provider registry into a
// full-process builder.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/epic1st/fno-core/cache"
	"github.com/epic1st/fno-core/config"
	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/breaker"
	"github.com/epic1st/fno-core/internal/broker"
	"github.com/epic1st/fno-core/internal/cleanup"
	"github.com/epic1st/fno-core/internal/eventbus"
	"github.com/epic1st/fno-core/internal/lock"
	"github.com/epic1st/fno-core/internal/persistence"
	"github.com/epic1st/fno-core/internal/position"
	"github.com/epic1st/fno-core/internal/supervisor"
	"github.com/epic1st/fno-core/auth"
	"github.com/epic1st/fno-core/logging"
	"github.com/epic1st/fno-core/monitoring"
	"github.com/epic1st/fno-core/ws"
)

const runtimeVersion = "1.0.0"

// Runtime holds every live collaborator the HTTP layer (cmd/server) needs,
// plus the supervisor that keeps the background tasks running.
type Runtime struct {
	cfg *config.Config

	persist    *persistence.Adapter
	redisCache *cache.RedisCache
	lockClient *redis.Client

	domainBus *eventbus.Hub
	wsBus     *eventbus.Hub

	aggregator *datapipeline.Aggregator
	tracker    *position.Tracker

	audit   *logging.AuditLogger
	metrics *monitoring.RuntimeMetricsCollector
	health  *monitoring.HealthChecker

	wsHub      *ws.Hub
	supervisor *supervisor.Supervisor
}

// Build constructs every collaborator and registers the background tasks
// with the supervisor, but does not start them — call Start for that.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	audit, err := logging.NewAuditLogger(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("runtime: audit logger: %w", err)
	}

	redisCache, err := cache.NewRedisCache(&cache.RedisConfig{
		Address:  cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   "fno",
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: redis cache: %w", err)
	}

	lockClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := lockClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runtime: redis lock client: %w", err)
	}

	persist, err := persistence.Open(ctx, persistence.Config{
		DSN:            postgresDSN(cfg),
		MinConnections: cfg.Persistence.MinConnections,
		MaxConnections: cfg.Persistence.MaxConnections,
		AcquireTimeout: cfg.Persistence.AcquireTimeout,
		QueryTimeout:   cfg.Persistence.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: persistence: %w", err)
	}
	persist = persist.WithCache(redisCache)

	domainBus := eventbus.New(cfg.Hub.QueueSize)
	wsBus := eventbus.New(cfg.Hub.QueueSize)

	breakerMgr := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinSamples:       cfg.Breaker.MinSamples,
		ErrorRateWindow:  cfg.Breaker.ErrorRateWindow,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	brokerAdapter := broker.NewHTTPAdapter(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.CallTimeout, cfg.Broker.InsecureDialer)
	brokerClient := broker.New(brokerAdapter, breakerMgr)

	locker := lock.New(lockClient, cfg.Lock.Lease)

	cleanupPolicy := cleanup.OnReducePolicy(cfg.Cleanup.OnReducePolicy)
	cleanupWorker := cleanup.New(locker, newPersistenceReferenceStore(persist), brokerClient, persist, cleanupPolicy, audit, domainBus)

	tfs := make([]datapipeline.Timeframe, 0, len(cfg.Aggregator.Timeframes))
	for _, s := range cfg.Aggregator.Timeframes {
		if tf, ok := datapipeline.ParseTimeframe(s); ok {
			tfs = append(tfs, tf)
		}
	}

	persistOneBar := func(ctx context.Context, bar datapipeline.Bar) error {
		return persist.UpsertBars(ctx, []datapipeline.Bar{bar})
	}
	aggregator := datapipeline.New(datapipeline.Config{
		Timeframes:       tfs,
		PersistHighWater: cfg.Aggregator.PersistHighWater,
		BarRingCapacity:  cfg.Aggregator.BarRingSize,
		MaxRetries:       cfg.Aggregator.MaxRetries,
		RetryBaseDelay:   cfg.Aggregator.RetryBaseDelay,
	}, domainBus, persistOneBar, nil)

	tracker := position.New(domainBus)

	authService := auth.NewService(cfg.JWT.Secret)
	wsHub := ws.NewHub(wsBus, authService)

	health := monitoring.NewHealthChecker(runtimeVersion)
	health.RegisterCheck("memory", monitoring.MemoryHealthCheck(90))
	health.RegisterCheck("goroutines", monitoring.GoroutineHealthCheck(10000))
	health.RegisterCheck("uptime", monitoring.UptimeHealthCheck(time.Now(), 0))
	health.RegisterCheck("database", monitoring.DatabaseHealthCheck(persist))
	health.RegisterCheck("cache", monitoring.CacheHealthCheck(redisCache))
	health.RegisterCheck("lock", monitoring.LockHealthCheck(locker))
	health.RegisterCheck("breakers", monitoring.BreakerHealthCheck(breakerMgr))
	health.RegisterCheck("aggregator_backlog", monitoring.AggregatorBacklogHealthCheck(aggregator, cfg.Aggregator.PersistHighWater))
	health.RegisterCheck("hub", monitoring.HubHealthCheck(wsBus))
	monitoring.SetGlobalHealthChecker(health)

	metricsCollector := monitoring.NewRuntimeMetricsCollector(15 * time.Second)

	rt := &Runtime{
		cfg:        cfg,
		persist:    persist,
		redisCache: redisCache,
		lockClient: lockClient,
		domainBus:  domainBus,
		wsBus:      wsBus,
		aggregator: aggregator,
		tracker:    tracker,
		audit:      audit,
		metrics:    metricsCollector,
		health:     health,
		wsHub:      wsHub,
		supervisor: supervisor.New(cfg.Supervisor.DrainTimeout),
	}

	tickSource := datapipeline.NewWSTickSource(cfg.Upstream.TickFeedURL, cfg.Upstream.TickFeedBufferSize)
	snapshotSource := position.NewWSSnapshotSource(cfg.Upstream.PositionStreamURL, cfg.Upstream.PositionBufferSize)

	rt.registerTasks(cfg, tickSource, snapshotSource, cleanupWorker)

	return rt, nil
}

func (rt *Runtime) registerTasks(cfg *config.Config, tickSource *datapipeline.WSTickSource, snapshotSource *position.WSSnapshotSource, cleanupWorker *cleanup.Worker) {
	backoffOpts := func(t *supervisor.Task) {
		t.MinBackoff = cfg.Supervisor.MinBackoff
		t.MaxBackoff = cfg.Supervisor.MaxBackoff
		t.CrashLoopThreshold = cfg.Supervisor.CrashLoopThreshold
		t.CrashLoopWindow = cfg.Supervisor.CrashLoopWindow
	}

	register := func(name string, run supervisor.Runner) {
		t := supervisor.Task{Name: name, Run: run, RestartPolicy: supervisor.Permanent}
		backoffOpts(&t)
		rt.supervisor.Register(t)
	}

	register("aggregator.persist", rt.aggregator.Run)
	register("tick.source", tickSource.Run)
	register("position.source", snapshotSource.Run)

	register("tick.ingest", func(ctx context.Context) error {
		runTickIngestion(ctx, tickSource, rt.aggregator)
		return ctx.Err()
	})
	register("position.ingest", func(ctx context.Context) error {
		runSnapshotIngestion(ctx, snapshotSource, rt.tracker)
		return ctx.Err()
	})
	register("domain.bridge", func(ctx context.Context) error {
		return runBridge(ctx, rt.domainBus, rt.wsBus, cleanupWorker)
	})
	register("aggregator.deadletters", func(ctx context.Context) error {
		runDeadLetterSink(ctx, rt.aggregator, rt.audit)
		return ctx.Err()
	})
	register("aggregator.flush", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				rt.aggregator.Flush(now)
				monitoring.SetBarPersistQueueDepth(rt.aggregator.QueueDepth())
				monitoring.SetBarPersistOverflowDepth(rt.aggregator.OverflowDepth())
			}
		}
	})
}

// Start launches every registered background task.
func (rt *Runtime) Start(ctx context.Context) {
	rt.supervisor.Start(ctx)
	go rt.metrics.Start()
}

// Shutdown drains the WebSocket hub, stops the supervisor, and releases
// every external connection. Safe to call once, after Start.
func (rt *Runtime) Shutdown() {
	ws.Shutdown(rt.wsBus)
	rt.supervisor.Shutdown()
	rt.metrics.Stop()
	rt.persist.Close()
	rt.redisCache.Close()
	rt.lockClient.Close()
	rt.audit.Close()
}

// WSHub exposes the WebSocket upgrade surface for cmd/server's mux.
func (rt *Runtime) WSHub() *ws.Hub { return rt.wsHub }

// Health exposes the readiness/health surface for cmd/server's mux.
func (rt *Runtime) Health() *monitoring.HealthChecker { return rt.health }

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.SSLMode)
}
