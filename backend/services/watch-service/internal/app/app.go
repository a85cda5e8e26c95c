package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "chargewatch/backend/libs/db"
	libredis "chargewatch/backend/libs/redis"
	"chargewatch/backend/services/watch-service/internal/auth"
	"chargewatch/backend/services/watch-service/internal/config"
	httpserver "chargewatch/backend/services/watch-service/internal/http"
	"chargewatch/backend/services/watch-service/internal/http/handlers"
	"chargewatch/backend/services/watch-service/internal/http/middleware"
	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/outbox"
	"chargewatch/backend/services/watch-service/internal/push"
	"chargewatch/backend/services/watch-service/internal/repository"
	"chargewatch/backend/services/watch-service/internal/repository/memory"
	"chargewatch/backend/services/watch-service/internal/service"
	"chargewatch/backend/services/watch-service/internal/ws"
)

const migrateTimeout = 30 * time.Second

type stores struct {
	snapshots     service.SnapshotStore
	stations      service.StationStore
	subscriptions service.SubscriptionStore
	tasks         service.TaskStore
}

// App wires watch-service dependencies.
type App struct {
	server      *httpserver.Server
	handler     http.Handler
	hub         *ws.Hub
	workers     []*outbox.Worker
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	st, err := a.openStores(cfg)
	if err != nil {
		return nil, err
	}

	queue, err := a.openQueue(cfg, m)
	if err != nil {
		return nil, err
	}

	sender, err := newSender(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.hub = ws.NewHub(m, logger)

	ingest := service.NewIngestService(st.snapshots, st.stations, queue, a.hub, cfg.Watch.SnapshotCooldown, m, logger)
	subsRegistry := service.NewRegistry(st.subscriptions, st.tasks, service.RegistryConfig{
		Policy:        service.WatchPolicy(cfg.Watch.Policy),
		WatchDuration: cfg.Watch.Duration,
		MaxPolls:      cfg.Watch.MaxPolls,
	}, logger)
	dispatcher := service.NewDispatcher(subsRegistry, st.stations, sender, service.DispatcherConfig{
		Cooldown:            cfg.Watch.NotifyCooldown,
		FailurePolicy:       service.FailurePolicy(cfg.Watch.FailurePolicy),
		MaxDeliveryAttempts: cfg.Watch.MaxDeliveryAttempts,
		Concurrency:         cfg.Push.Concurrency,
		RatePerSecond:       cfg.Push.RatePerSecond,
		SendTimeout:         cfg.Push.Timeout,
		BaseURL:             cfg.HTTP.BaseURL,
	}, m, logger)
	engine := service.NewPollingEngine(st.tasks, st.snapshots, subsRegistry, dispatcher, service.EngineConfig{
		BatchSize:         cfg.Polling.BatchSize,
		DebounceThreshold: cfg.Polling.DebounceThreshold,
		ClaimLease:        cfg.Polling.ClaimLease,
		DispatchTimeout:   cfg.Polling.DispatchTimeout,
	}, m, logger)

	workers := cfg.Outbox.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		a.workers = append(a.workers, outbox.NewWorker(queue, dispatcher, cfg.Outbox.MaxAttempts, cfg.Outbox.RetryDelay, m,
			logger.With(zap.Int("worker", i))))
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	keys := auth.NewKeyHasher(0)
	proxies, err := middleware.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst).TrustProxies(proxies)

	ingestHandler := handlers.NewIngestHandler(ingest, logger)
	subsHandler := handlers.NewSubscriptionHandler(subsRegistry, logger)
	pollingHandler := handlers.NewPollingHandler(engine, dispatcher, logger)
	liveFeed := ws.NewServer(a.hub, ingest, cfg.LiveFeed.WriteTimeout, cfg.LiveFeed.PingInterval, cfg.LiveFeed.AllowedOrigins, logger)

	routes := httpserver.Routes{
		Ingest:          ingestHandler.HandleIngest,
		Dispatch:        pollingHandler.HandleDispatch,
		Sweep:           pollingHandler.HandleSweep,
		Task:            pollingHandler.HandleTask,
		Subscribe:       subsHandler.HandleSubscribe,
		Unsubscribe:     subsHandler.HandleUnsubscribe,
		CheckSubscribed: subsHandler.HandleCheckSubscribed,
		Snapshot:        ingestHandler.HandleSnapshot,
		Health:          handlers.NewHealthHandler(a.healthChecks()),
		Metrics:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		LiveFeed:        liveFeed.HandleWS,
		InternalAuth:    middleware.ServiceAuth(tokens, keys, cfg.Auth.CronKeyHash),
		PublicLimit:     limiter.Middleware,
	}

	a.handler = middleware.Chain(httpserver.NewRouter(routes),
		middleware.Recovery(logger),
		middleware.AccessLog(logger),
	)
	a.server = httpserver.NewServer(cfg.HTTPAddress(), a.handler, logger)

	logger.Info("watch service configured",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("outbox", cfg.Outbox.Driver),
		zap.String("push", cfg.Push.Driver),
		zap.String("watch_policy", cfg.Watch.Policy),
		zap.String("failure_policy", cfg.Watch.FailurePolicy),
	)
	ok = true
	return a, nil
}

func (a *App) openStores(cfg *config.Config) (stores, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		store := memory.NewStore()
		return stores{snapshots: store, stations: store, subscriptions: store, tasks: store}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	sqlDB, err := libdb.NewPostgresDB(ctx, cfg.Storage.DSN, libdb.PoolOptions{
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("open postgres: %w", err)
	}
	a.db = sqlDB

	if cfg.Storage.Migrate {
		applied, err := repository.Migrate(ctx, sqlDB)
		if err != nil {
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
		a.logger.Info("schema migrated", zap.Int("applied", applied))
	}

	return stores{
		snapshots:     repository.NewSnapshotRepository(sqlDB),
		stations:      repository.NewStationRepository(sqlDB),
		subscriptions: repository.NewSubscriptionRepository(sqlDB),
		tasks:         repository.NewTaskRepository(sqlDB),
	}, nil
}

func (a *App) openQueue(cfg *config.Config, m *metrics.Metrics) (outbox.Queue, error) {
	if cfg.Outbox.Driver == config.DriverMemory {
		return outbox.NewMemoryQueue(cfg.Outbox.Capacity, cfg.Outbox.PollTimeout, m), nil
	}

	client, err := libredis.NewRedisClient(context.Background(), libredis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		ReadTimeout: cfg.Outbox.PollTimeout + 2*time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	a.redisClient = client
	return outbox.NewRedisQueue(client, cfg.Outbox.CoalesceTTL, cfg.Outbox.PollTimeout, m), nil
}

func newSender(cfg *config.Config, logger *zap.Logger) (push.Sender, error) {
	if cfg.Push.Driver == config.PushLog {
		logger.Warn("push driver is log, notifications are not delivered")
		return push.NewLogSender(logger), nil
	}
	sender, err := push.NewWebPushSender(push.WebPushConfig{
		Subscriber:      cfg.Push.Subscriber,
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		TTL:             cfg.Push.TTL,
		Timeout:         cfg.Push.Timeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (a *App) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

// Run serves HTTP and drains the outbox until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	for _, w := range a.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return a.server.Run(ctx) })
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
