package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/genkernel/orchestrator/internal/artifact"
	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/discovery"
	"github.com/genkernel/orchestrator/internal/health"
	"github.com/genkernel/orchestrator/internal/invalidate"
	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/orchestrator"
	"github.com/genkernel/orchestrator/internal/provider"
	"github.com/genkernel/orchestrator/internal/registry"
	"github.com/genkernel/orchestrator/internal/task/postgres"
	"github.com/genkernel/orchestrator/internal/taskcache"
	"github.com/genkernel/orchestrator/internal/telemetry"
	"github.com/genkernel/orchestrator/internal/webhook"
)

// Service bundles every long-running collaborator so cmd/task-orchestrator
// only needs to call Start and wait on a shutdown signal.
type Service struct {
	Logger       *obslog.Logger
	Orchestrator *orchestrator.Orchestrator
	Admin        *http.Server
	Telemetry    *telemetry.Provider

	monitor  *health.Monitor
	pgPool   *pgxpool.Pool
	sqlDB    *sql.DB
	redisClt *redis.Client
}

// cacheInvalidationTarget adapts taskcache.Cache's error-swallowing
// Invalidate into invalidate.SingleInvalidator's error-returning one;
// the cache already logs and swallows its own failures, so the adapter
// only ever returns nil.
type cacheInvalidationTarget struct{ cache *taskcache.Cache }

func (t cacheInvalidationTarget) Invalidate(ctx context.Context, entityID string) error {
	t.cache.Invalidate(ctx, entityID)
	return nil
}

// Build wires every collaborator described in SPEC_FULL.md against cfg
// and returns a Service ready for Start. Grounded on the teacher's
// cmd/task-orchestrator/main.go construction order (storage -> engines
// -> orchestrator), generalized to this service's dependency graph.
func Build(ctx context.Context, cfg Config) (*Service, error) {
	logger := obslog.New(obslog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB := stdlib.OpenDB(*pgPool.Config().ConnConfig)
	if err := postgres.Migrate(sqlDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	taskStore := postgres.New(pgPool, logger)
	if err := taskStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	redisClt := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := taskcache.New(redisClt, taskcache.DefaultConfig(), logger)

	reg := registry.New()

	factory := provider.NewFactory()
	for _, p := range cfg.Providers {
		factory.Register(provider.NewHTTPClient(provider.HTTPClientConfig{
			ProviderID: p.ID,
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			Capabilities: []provider.Capability{
				provider.CapabilityImageGeneration,
				provider.CapabilityVideoGeneration,
				provider.CapabilityModelListing,
				provider.CapabilityHealthProbe,
			},
		}))
	}

	breakers := health.NewManager(health.DefaultBreakerConfig(), logger)

	telemetryProvider, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	messageBus := bus.NewInProcess()

	monitorCfg := health.DefaultSchedulerConfig()
	if cfg.HealthCheckInterval > 0 {
		monitorCfg.HealthCheckInterval = cfg.HealthCheckInterval
	}
	monitor := health.NewMonitor(newFactoryProber(factory), breakers, messageBus, monitorCfg, logger)

	credentials, mappings, providers, catalog := newDiscoveryCollaborators(cfg)
	resolver, err := discovery.New(credentials, mappings, providers, catalog, messageBus, logger)
	if err != nil {
		return nil, fmt.Errorf("init discovery resolver: %w", err)
	}

	storageRoot, err := newLocalDiskStorage(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	pipeline := artifact.New(storageRoot, &http.Client{Timeout: 30 * time.Second}, artifact.DefaultConfig(), messageBus, logger)

	sender := webhook.NewSender()
	relay := webhook.NewRelay(sender, logger)
	if err := relay.Start(ctx, messageBus); err != nil {
		return nil, fmt.Errorf("start webhook relay: %w", err)
	}

	invalidator := invalidate.New(invalidate.DefaultConfig(), logger)
	invalidator.RegisterFamily(ctx, "task_status", invalidate.Target{Single: cacheInvalidationTarget{cache: cache}})
	startInvalidationConsumer(ctx, logger, messageBus, invalidator)

	metrics := orchestrator.MustNewMetrics(telemetryProvider.Registry)

	orch := orchestrator.New(orchestrator.Dependencies{
		Tasks:     taskStore,
		Registry:  reg,
		Providers: factory,
		Breakers:  breakers,
		Resolver:  resolver,
		Artifacts: pipeline,
		Cost:      orchestrator.NewStaticPriceTable(),
		Webhooks:  sender,
		Bus:       messageBus,
		Logger:    logger,
		Workers:   cfg.Workers,
		Metrics:   metrics,
		Tracer:    telemetryProvider.Tracer("orchestrator"),
	})

	admin := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: newAdminRouter(telemetryProvider, breakers, reg, cfg.AdminOrigins),
	}

	monitor.Start(ctx, factory.ProviderIDs())

	return &Service{
		Logger:       logger,
		Orchestrator: orch,
		Admin:        admin,
		Telemetry:    telemetryProvider,
		monitor:      monitor,
		pgPool:       pgPool,
		sqlDB:        sqlDB,
		redisClt:     redisClt,
	}, nil
}

// startInvalidationConsumer bridges EntityChanged bus events into the
// batched invalidator, the wiring spec.md §4.7 describes as the
// invalidator's sole input.
func startInvalidationConsumer(ctx context.Context, logger *obslog.Logger, consumer bus.Consumer, invalidator *invalidate.Invalidator) {
	events, err := consumer.Consume(ctx, bus.TopicEntityChanged)
	if err != nil {
		logger.Warn("failed to subscribe to EntityChanged", "err", err)
		return
	}
	async.Go(logger, "bootstrap.invalidationConsumer", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				evt, ok := msg.Payload.(bus.EntityChanged)
				if !ok {
					continue
				}
				invalidator.Enqueue(ctx, invalidate.Request{
					CacheFamily: evt.CacheFamily,
					EntityID:    evt.EntityID,
					Priority:    invalidate.Priority(evt.Priority),
					Reason:      evt.Reason,
					QueuedAt:    evt.QueuedAt,
				})
			}
		}
	})
}

// Start launches the orchestrator's consumer loops and the admin HTTP
// server; it returns once the consumers are subscribed. The admin server
// is started in a background goroutine and may not be listening yet.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	go func() {
		if err := s.Admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("admin server exited: %v", err)
		}
	}()
	return nil
}

// Shutdown releases every pooled resource, best-effort within ctx's
// deadline.
func (s *Service) Shutdown(ctx context.Context) {
	s.monitor.Stop()
	_ = s.Admin.Shutdown(ctx)
	_ = s.Telemetry.Shutdown(ctx)
	if s.redisClt != nil {
		_ = s.redisClt.Close()
	}
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
}
