// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/api"
	"github.com/dealdesk/leadscraper/internal/clock/system"
	"github.com/dealdesk/leadscraper/internal/config"
	"github.com/dealdesk/leadscraper/internal/dispatcher"
	"github.com/dealdesk/leadscraper/internal/id/uuid"
	"github.com/dealdesk/leadscraper/internal/logging"
	"github.com/dealdesk/leadscraper/internal/lookup"
	"github.com/dealdesk/leadscraper/internal/metrics"
	"github.com/dealdesk/leadscraper/internal/orchestrator"
	"github.com/dealdesk/leadscraper/internal/policy/ratelimit"
	"github.com/dealdesk/leadscraper/internal/progress"
	progresssinks "github.com/dealdesk/leadscraper/internal/progress/sinks"
	gcppublisher "github.com/dealdesk/leadscraper/internal/publisher/pubsub"
	queueMemory "github.com/dealdesk/leadscraper/internal/queue/memory"
	"github.com/dealdesk/leadscraper/internal/scrape"
	"github.com/dealdesk/leadscraper/internal/scraper"
	memoryStorage "github.com/dealdesk/leadscraper/internal/storage/memory"
	pgstore "github.com/dealdesk/leadscraper/internal/storage/postgres"
	redisstore "github.com/dealdesk/leadscraper/internal/storage/redis"
	"github.com/dealdesk/leadscraper/internal/telemetry"
	"github.com/dealdesk/leadscraper/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	orchestrator   *orchestrator.Orchestrator
	bus            *progress.Bus
	progressHub    *progress.Hub
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue
	pubsubClient   *pubsub.Client
	pgStore        *pgstore.SessionStore
	redisStore     *redisstore.SessionStore
	ready          func(context.Context) error
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("background_driver", cfg.Orchestrator.BackgroundDriver),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler exposes the HTTP API, mainly for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(dispatchDone)
			a.dispatch.Run(ctx)
		}()
	} else {
		close(dispatchDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.bus != nil {
		a.bus.Close()
	}
	// The hub owns the export sinks, including the Pub/Sub publisher.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")
	store, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupProgress(ctx, app, store); err != nil {
		return nil, err
	}

	sessionScraper, err := setupScraper(app)
	if err != nil {
		return nil, err
	}

	carrier, err := setupCarrier(app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	app.orchestrator = orchestrator.New(
		progress.NewPublishingStore(store, app.bus, clock.Now),
		sessionScraper,
		lookup.NewFactory(carrier, cfg.Lookup.BatchSize, cfg.Lookup.MaxRetryDelay, logger.Named("lookup")),
		app.bus,
		clock,
		uuid.NewUUIDGenerator(),
		orchestrator.Config{
			StepBudget:    cfg.Orchestrator.StepBudget,
			CommitTimeout: cfg.Orchestrator.CommitTimeout,
		},
		logger.Named("orchestrator"),
	)

	opts := api.Options{
		APIKeys:        cfg.Auth.KeyOwners(),
		RequestTimeout: cfg.Server.RequestTimeout,
		CompleteGrace:  cfg.Events.CompleteGrace,
		Ready:          app.ready,
	}
	if cfg.Orchestrator.BackgroundDriver {
		setupDispatcher(app)
		opts.Enqueuer = app.dispatch
	}

	app.apiServer = api.NewServer(app.orchestrator, app.bus, opts, logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, app *App) (scrape.SessionStore, error) {
	switch app.cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewSessionStore(ctx, pgstore.Config{
			DSN:             app.cfg.Database.DSN,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.pgStore = store
		if app.cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
			app.logger.Info("postgres schema applied")
		}
		app.ready = store.Ping
		app.logger.Info("using postgres session store")
		return store, nil
	case config.BackendRedis:
		store := redisstore.NewSessionStore(redisstore.Config{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
			Prefix:   app.cfg.Redis.Prefix,
			TTL:      app.cfg.Redis.TTL,
		})
		app.redisStore = store
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		app.ready = store.Ping
		app.logger.Info("using redis session store", zap.String("addr", app.cfg.Redis.Addr))
		return store, nil
	default:
		app.logger.Info("using in-memory session store")
		return memoryStorage.NewSessionStore(), nil
	}
}

func setupProgress(ctx context.Context, app *App, store scrape.SessionStore) error {
	sinkList, err := setupSinks(ctx, app)
	if err != nil {
		return err
	}

	var forward progress.Emitter
	if len(sinkList) > 0 {
		hubCfg := progress.HubConfig{
			BufferSize:     app.cfg.Events.Hub.BufferSize,
			MaxBatchEvents: app.cfg.Events.Hub.MaxBatchEvents,
			MaxBatchWait:   app.cfg.Events.Hub.MaxBatchWait,
			SinkTimeout:    app.cfg.Events.Hub.SinkTimeout,
			BaseContext:    context.WithoutCancel(ctx),
			Logger:         app.logger.Named("progress_hub"),
		}
		app.progressHub = progress.NewHub(hubCfg, sinkList...)
		forward = app.progressHub
		app.logger.Info("progress hub initialized",
			zap.Int("sinks", len(sinkList)),
			zap.Int("buffer_size", hubCfg.BufferSize),
			zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
			zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
			zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		)
	} else {
		app.logger.Info("event export disabled")
	}

	app.bus = progress.NewBus(progress.BusConfig{
		BufferSize:        app.cfg.Events.BufferSize,
		HeartbeatInterval: app.cfg.Events.HeartbeatInterval,
		Logger:            app.logger.Named("progress_bus"),
	}, store, forward)
	return nil
}

func setupSinks(ctx context.Context, app *App) ([]progress.Sink, error) {
	var sinkList []progress.Sink
	if app.cfg.Export.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if app.cfg.Export.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		app.logger.Debug("added progress prometheus sink")
	}
	if kc := app.cfg.Export.Kafka; len(kc.Brokers) > 0 {
		sinkList = append(sinkList, progresssinks.NewKafkaSink(kc.Brokers, kc.Topic))
		app.logger.Info("kafka event export enabled",
			zap.Strings("brokers", kc.Brokers),
			zap.String("topic", kc.Topic),
		)
	}
	if pc := app.cfg.Export.PubSub; pc.TopicName != "" {
		client, err := pubsub.NewClient(ctx, pc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		topic := client.Publisher(pc.TopicName)
		topic.EnableMessageOrdering = true
		pub := gcppublisher.New(topic)
		sinkList = append(sinkList, progresssinks.NewPubSubSink(pub, pub.Stop))
		app.logger.Info("pubsub event export enabled",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.TopicName),
		)
	}
	return sinkList, nil
}

func setupScraper(app *App) (scrape.Scraper, error) {
	sc := app.cfg.Scraper
	if !sc.Enabled {
		app.logger.Warn("browser scraper disabled, units return no listings")
		return scraper.NewNoop(), nil
	}
	scraperCfg := scraper.Config{
		BaseURL:           sc.BaseURL,
		UserAgent:         sc.UserAgent,
		ExecPath:          sc.ExecPath,
		NoSandbox:         sc.NoSandbox,
		NavigationTimeout: sc.NavigationTimeout,
		ScrollPasses:      sc.ScrollPasses,
		ScrollPause:       sc.ScrollPause,
		MaxResults:        sc.MaxResults,
	}
	if sc.RPS > 0 {
		scraperCfg.Throttle = ratelimit.New(ratelimit.Config{
			DefaultRPS:   sc.RPS,
			DefaultBurst: sc.Burst,
			OnDelay:      metrics.ObserveRateLimitDelay,
		})
	}
	chrome, err := scraper.NewChrome(scraperCfg, app.logger.Named("scraper"))
	if err != nil {
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}
	app.logger.Info("using headless chrome scraper",
		zap.String("base_url", sc.BaseURL),
		zap.Duration("navigation_timeout", sc.NavigationTimeout),
		zap.Float64("rps", sc.RPS),
	)
	return chrome, nil
}

func setupCarrier(app *App) (lookup.Carrier, error) {
	lc := app.cfg.Lookup
	if lc.Endpoint == "" {
		app.logger.Info("using offline prefix carrier table")
		return lookup.NewPrefixCarrier(), nil
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   lc.RPS,
		DefaultBurst: lc.Burst,
		OnDelay:      metrics.ObserveRateLimitDelay,
	})
	carrier, err := lookup.NewHTTPCarrier(lookup.HTTPCarrierConfig{
		Endpoint: lc.Endpoint,
		APIKey:   lc.APIKey,
		Timeout:  lc.Timeout,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("carrier init failed: %w", err)
	}
	app.logger.Info("using http carrier lookup",
		zap.String("endpoint", lc.Endpoint),
		zap.Float64("rps", lc.RPS),
		zap.Int("burst", lc.Burst),
	)
	return carrier, nil
}

func setupDispatcher(app *App) {
	oc := app.cfg.Orchestrator
	app.queue = queueMemory.NewQueue(oc.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, app.orchestrator, dispatcher.Config{
		Workers: oc.DriverConcurrency,
		Worker: worker.Config{
			RetryBackoff:    oc.RetryBackoff,
			MaxStepFailures: oc.MaxStepFailures,
		},
	}, app.logger.Named("dispatcher"))
	app.logger.Info("background driver configured",
		zap.Int("workers", oc.DriverConcurrency),
		zap.Int("queue_depth", oc.QueueDepth),
		zap.Duration("retry_backoff", oc.RetryBackoff),
		zap.Int("max_step_failures", oc.MaxStepFailures),
	)
}
