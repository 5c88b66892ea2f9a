// Package server builds the review-miner service from configuration and runs
// it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/api"
	"github.com/JakeFAU/review-miner/internal/clock"
	"github.com/JakeFAU/review-miner/internal/config"
	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/review-miner/internal/fetcher/colly"
	"github.com/JakeFAU/review-miner/internal/hash"
	"github.com/JakeFAU/review-miner/internal/id"
	"github.com/JakeFAU/review-miner/internal/logging"
	"github.com/JakeFAU/review-miner/internal/metrics"
	"github.com/JakeFAU/review-miner/internal/policy/ratelimit"
	"github.com/JakeFAU/review-miner/internal/progress"
	progresssinks "github.com/JakeFAU/review-miner/internal/progress/sinks"
	"github.com/JakeFAU/review-miner/internal/proxy"
	memorypublisher "github.com/JakeFAU/review-miner/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-miner/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/review-miner/internal/queue/memory"
	"github.com/JakeFAU/review-miner/internal/storage"
	gcsstorage "github.com/JakeFAU/review-miner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-miner/internal/storage/local"
	memoryStorage "github.com/JakeFAU/review-miner/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-miner/internal/storage/postgres"
	"github.com/JakeFAU/review-miner/internal/store"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
	errorsinks "github.com/JakeFAU/review-miner/internal/taxonomy/sinks"
	"github.com/JakeFAU/review-miner/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// closer releases one infrastructure client on shutdown.
type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	queue       *queueMemory.Queue
	machine     *crawler.Machine
	progressHub *progress.Hub
	pool        *pgxpool.Pool
	readiness   map[string]api.ReadinessCheck
	closers     []closer
}

// Build creates the application's dependencies. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:       cfg,
		logger:    logger,
		readiness: map[string]api.ReadinessCheck{},
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("primary_provider", cfg.Proxy.Primary),
		zap.String("fallback_provider", cfg.Proxy.Fallback),
		zap.String("error_sink", cfg.Errors.Sink),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	errorSink, lister, err := a.setupErrorSink(ctx)
	if err != nil {
		return err
	}
	runs, err := a.setupTaskRuns()
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(runs)
	if err != nil {
		return err
	}
	a.machine, err = NewMachine(a.cfg, errorSink, emitter, a.logger)
	if err != nil {
		return err
	}
	records, err := a.setupRecords(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	tasks := memoryStorage.NewTaskStore()
	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.dispatch = a.setupDispatcher(tasks, records, publisher)

	a.apiServer = api.NewServer(
		tasks,
		records,
		a.dispatch,
		id.NewGenerator(),
		clock.New(),
		api.Options{
			AuthEnabled: a.cfg.Auth.Enabled,
			APIKey:      a.cfg.Auth.APIKey,
			Errors:      lister,
			Runs:        runs,
			Readiness:   a.readiness,
		},
		a.logger,
	)
	return nil
}

// NewMachine assembles the crawl machine: proxy router, colly fetcher,
// optional per-host limiter and the error recorder settings. emitter may be nil.
func NewMachine(
	cfg config.Config,
	errorSink taxonomy.Sink,
	emitter progress.Emitter,
	logger *zap.Logger,
) (*crawler.Machine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hasher, err := hash.New(cfg.Errors.IDHash)
	if err != nil {
		return nil, fmt.Errorf("error id hasher: %w", err)
	}
	severity, err := taxonomy.ParseSeverity(cfg.Errors.Severity)
	if err != nil {
		return nil, fmt.Errorf("severity ranking: %w", err)
	}

	router := proxy.NewRouter(
		cfg.Providers(),
		proxy.WithCountryCode(cfg.Proxy.CountryCode),
		proxy.WithLogger(logger.Named("proxy")),
	)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
		Logger:    logger.Named("fetcher"),
	})
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Duration("timeout", cfg.HTTPTimeout()),
	)

	opts := []crawler.Option{
		crawler.WithLogger(logger.Named("machine")),
		crawler.WithErrorSink(errorSink),
		crawler.WithClock(clock.New()),
		crawler.WithRecorderOptions(
			taxonomy.WithHasher(hasher),
			taxonomy.WithSeverity(severity),
		),
	}
	if emitter != nil {
		opts = append(opts, crawler.WithEmitter(emitter))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, crawler.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			PerHost:      cfg.RateLimit.PerHost,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	machine, err := crawler.NewMachine(cfg.MachineConfig(), router, fetcher, opts...)
	if err != nil {
		return nil, fmt.Errorf("crawl machine init failed: %w", err)
	}
	return machine, nil
}

func (a *App) pgConfig() pgstore.Config {
	return pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		ErrorTable:      a.cfg.Database.ErrorTable,
		TaskTable:       a.cfg.Database.TaskTable,
		StatsTable:      a.cfg.Database.StatsTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.ConnLifetime(),
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, task runs stay in memory")
		return nil
	}
	pool, err := pgstore.Connect(ctx, a.pgConfig())
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, closer{name: "postgres", fn: func(context.Context) error {
		pool.Close()
		return nil
	}})
	a.readiness["postgres"] = pool.Ping
	if a.cfg.Database.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool, a.pgConfig()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.logger.Info("database schema ensured")
	}
	return nil
}

// setupErrorSink returns the configured sink and, when the backend can read
// records back, an api.ErrorLister over it.
func (a *App) setupErrorSink(ctx context.Context) (taxonomy.Sink, api.ErrorLister, error) {
	switch a.cfg.Errors.Sink {
	case "file":
		sink, err := errorsinks.NewFileSink(errorsinks.FileConfig{
			Dir:       a.cfg.Errors.FileDir,
			MaxSizeMB: a.cfg.Errors.MaxSizeMB,
			Compress:  true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("file error sink init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "error file", fn: func(context.Context) error {
			return sink.Close()
		}})
		a.logger.Info("using file error sink", zap.String("dir", a.cfg.Errors.FileDir))
		return sink, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		sink := errorsinks.NewRedisSink(client, a.cfg.Errors.RedisStream, a.cfg.Errors.RedisMaxLen)
		a.closers = append(a.closers, closer{name: "redis", fn: func(context.Context) error {
			return sink.Close()
		}})
		a.readiness["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		a.logger.Info("using redis stream error sink", zap.String("addr", a.cfg.Redis.Addr))
		return sink, nil, nil
	case "postgres":
		if a.pool == nil {
			return nil, nil, errors.New("postgres error sink requires database.dsn")
		}
		sink, err := pgstore.NewErrorStoreWithPool(a.pool, a.cfg.Database.ErrorTable)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres error sink init failed: %w", err)
		}
		a.logger.Info("using postgres error sink")
		return sink, sink, nil
	default:
		a.logger.Info("using in-memory error sink")
		sink := taxonomy.NewMemorySink()
		return sink, sink, nil
	}
}

func (a *App) setupTaskRuns() (store.TaskRunRepository, error) {
	if a.pool == nil {
		return memoryStorage.NewTaskRunStore(), nil
	}
	runs, err := pgstore.NewTaskRunStoreWithPool(a.pool, a.cfg.Database.TaskTable, a.cfg.Database.StatsTable)
	if err != nil {
		return nil, fmt.Errorf("task run store init failed: %w", err)
	}
	a.logger.Info("task run store initialized", zap.String("table", a.cfg.Database.TaskTable))
	return runs, nil
}

func (a *App) setupProgress(runs store.TaskRunRepository) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.StoreEnabled {
		sinkList = append(sinkList, progresssinks.NewStoreSink(
			runs,
			a.cfg.Crawler.ScraperName,
			a.logger.Named("progress_store"),
		))
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchMaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.BatchMaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupRecords(ctx context.Context) (crawler.RecordStore, error) {
	var blobs storage.BlobStore
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs", fn: func(context.Context) error {
			return client.Close()
		}})
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		var err error
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		blobs = memoryStorage.NewBlobStore()
	}
	records, err := storage.NewRecordStore(blobs, a.cfg.Storage.Prefix)
	if err != nil {
		return nil, fmt.Errorf("record store init failed: %w", err)
	}
	return records, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	a.closers = append(a.closers, closer{name: "pubsub", fn: func(context.Context) error {
		publisher.Stop()
		return client.Close()
	}})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupDispatcher(
	tasks crawler.TaskStore,
	records crawler.RecordStore,
	publisher crawler.Publisher,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		Topic:       a.cfg.PubSub.TopicName,
		TaskTimeout: a.cfg.TaskTimeout(),
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", a.cfg.Crawler.Concurrency),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("task_timeout", workerCfg.TaskTimeout),
	)
	workers := make([]*worker.Worker, 0, a.cfg.Crawler.Concurrency)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			tasks,
			records,
			publisher,
			a.machine,
			clock.New(),
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(a.queue, workers, a.logger.Named("dispatcher"))
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Machine returns the crawl machine shared by all workers.
func (a *App) Machine() *crawler.Machine {
	return a.machine
}

// Run starts the dispatcher and HTTP server and blocks until ctx is canceled
// or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
		a.dispatch.Run(dispatchCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers drain queued tasks until the queue closes or the deadline hits.
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown deadline reached with tasks in flight")
		cancelDispatch()
		<-dispatchDone
	}

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
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
