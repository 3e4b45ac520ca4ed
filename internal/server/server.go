// Package server wires configuration into a running crawler service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/api"
	"github.com/JakeFAU/shelf-price-crawler/internal/clock/system"
	"github.com/JakeFAU/shelf-price-crawler/internal/config"
	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/discovery"
	"github.com/JakeFAU/shelf-price-crawler/internal/extract"
	"github.com/JakeFAU/shelf-price-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/shelf-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/shelf-price-crawler/internal/id/uuid"
	"github.com/JakeFAU/shelf-price-crawler/internal/logging"
	"github.com/JakeFAU/shelf-price-crawler/internal/metrics"
	"github.com/JakeFAU/shelf-price-crawler/internal/navigation"
	"github.com/JakeFAU/shelf-price-crawler/internal/orchestrator"
	"github.com/JakeFAU/shelf-price-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/shelf-price-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/shelf-price-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/shelf-price-crawler/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/shelf-price-crawler/internal/publisher/redis"
	"github.com/JakeFAU/shelf-price-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/shelf-price-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/shelf-price-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/shelf-price-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/shelf-price-crawler/internal/storage/postgres"
)

// Store is the persistence backend plus the health probe used by /healthz.
type Store interface {
	crawler.Store
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry prometheus.Registerer

	store        Store
	pgStore      *pgstore.Store
	blobs        crawler.BlobStore
	publisher    crawler.Publisher
	browser      crawler.Browser
	progressHub  *progress.Hub
	discoverer   *discovery.Discoverer
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	apiServer    *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	redisPublisher  *redispublisher.Publisher
	storageClient   *storage.Client
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{cfg: cfg, logger: logger, registry: reg}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_url", cfg.Crawler.BaseURL),
		zap.String("browser", cfg.Browser.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("events", cfg.Events.Backend),
	)
	metrics.Init()

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupStorage,
		app.setupPublisher,
		app.setupProgress,
		app.setupCrawler,
		app.setupScheduler,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(context.Background())
			return nil, err
		}
	}
	app.apiServer = api.NewServer(app.orchestrator, app.store, cfg, logger.Named("api"))
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Orchestrator returns the crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Discoverer returns the listing walker shared with the orchestrator.
func (a *App) Discoverer() *discovery.Discoverer {
	return a.discoverer
}

// Browser returns the configured headless browser.
func (a *App) Browser() crawler.Browser {
	return a.browser
}

// Categories returns the crawl catalog.
func (a *App) Categories() []crawler.Category {
	return a.orchestrator.Categories()
}

// RunCrawl runs one job in the foreground and returns it once finalized.
func (a *App) RunCrawl(ctx context.Context, categoryKey string, limit int) (crawler.Job, error) {
	job, err := a.orchestrator.Run(ctx, categoryKey, limit)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("run crawl: %w", err)
	}
	return job, nil
}

// DiscoverLinks walks a category listing in a fresh browser session without
// scraping products. Links gathered before a listing failure are returned with
// the error.
func (a *App) DiscoverLinks(ctx context.Context, categoryKey string, limit int) ([]string, error) {
	cat, ok := crawler.LookupCategory(categoryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownCategory, categoryKey)
	}
	session, err := a.browser.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			a.logger.Warn("close browser session", zap.Error(cerr))
		}
	}()
	page, err := session.OpenPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	var active atomic.Bool
	active.Store(true)
	links, err := a.discoverer.Discover(ctx, page, cat, limit, &active)
	if err != nil {
		return links, fmt.Errorf("discover %s: %w", cat.Key, err)
	}
	return links, nil
}

// Handler returns the HTTP handler of the control API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the control API and blocks until ctx is canceled or a
// termination signal arrives. A running crawl is interrupted and finalized
// before infrastructure is closed.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.scheduler != nil {
		a.scheduler.Start()
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	default:
		return closeErr
	}
}

// Close interrupts any running crawl and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.scheduler != nil {
		if stopErr := a.scheduler.Stop(ctx); stopErr != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(stopErr))
		}
		a.scheduler = nil
	}
	if a.orchestrator != nil {
		if shutdownErr := a.orchestrator.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("orchestrator shutdown failed", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}

//nolint:gocognit // linear teardown of optional backends
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.redisPublisher != nil {
		if err := a.redisPublisher.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisPublisher = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		mem := memorystorage.NewStore()
		mem.SetSettings(crawler.Settings{DelayMs: a.cfg.Crawler.DefaultDelayMs})
		a.store = mem
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:          a.cfg.DB.DSN,
		MaxConns:     a.cfg.DB.MaxConns,
		MinConns:     a.cfg.DB.MinConns,
		EnsureSchema: a.cfg.DB.EnsureSchema,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	a.logger.Info("postgres store initialized",
		zap.Int32("max_conns", a.cfg.DB.MaxConns),
		zap.Bool("ensure_schema", a.cfg.DB.EnsureSchema),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.BaseDir))
	case config.BackendMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot storage")
	default:
		a.logger.Info("snapshot storage disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pub, err := gcppublisher.NewFromClient(client, a.cfg.Events.PriceTopic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubPublisher = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.PriceTopic),
		)
	case config.BackendRedis:
		pub, err := redispublisher.Dial(a.cfg.Events.RedisAddr, redispublisher.Config{
			StreamPrefix: a.cfg.Events.StreamPrefix,
			MaxLen:       a.cfg.Events.StreamMaxLen,
		})
		if err != nil {
			return fmt.Errorf("redis publisher init failed: %w", err)
		}
		a.redisPublisher = pub
		a.publisher = pub
		a.logger.Info("redis stream publisher initialized",
			zap.String("addr", a.cfg.Events.RedisAddr),
			zap.String("stream_prefix", a.cfg.Events.StreamPrefix),
		)
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("event publishing disabled")
	}
	return nil
}

func (a *App) setupProgress(context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
	}
	if a.publisher != nil && a.cfg.Events.JobTopic != "" {
		pubSink, err := progresssinks.NewPublisherSink(a.publisher, a.cfg.Events.JobTopic)
		if err != nil {
			return fmt.Errorf("progress publisher init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Debug("added job event publisher sink", zap.String("topic", a.cfg.Events.JobTopic))
	}
	a.progressHub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupCrawler(context.Context) error {
	switch a.cfg.Browser.Backend {
	case config.BackendChromedp:
		a.browser = headless.NewChromedp(headless.Config{
			ExecPath:    a.cfg.Browser.ExecPath,
			UserAgent:   a.cfg.Browser.UserAgent,
			NoSandbox:   a.cfg.Browser.NoSandbox,
			Headful:     a.cfg.Browser.Headful,
			IdleWindow:  time.Duration(a.cfg.Browser.IdleWindowMs) * time.Millisecond,
			MaxInflight: a.cfg.Browser.IdleMaxInflight,
			Logger:      a.logger,
		})
		a.logger.Info("using chromedp browser", zap.Bool("headful", a.cfg.Browser.Headful))
	default:
		a.browser = headless.NewNoop()
		a.logger.Warn("headless browser disabled, crawls will fail to launch")
	}

	nav := navigation.New(navigation.Config{
		MaxAttempts: a.cfg.Browser.MaxAttempts,
		Pacer: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawler.DomainQPS,
			DefaultBurst: a.cfg.Crawler.DomainBurst,
		}),
		Logger: a.logger,
	})
	a.discoverer = discovery.New(nav, discovery.Config{
		BaseURL:      a.cfg.Crawler.BaseURL,
		PageSize:     a.cfg.Crawler.PageSize,
		ListingQuery: a.cfg.Crawler.ListingQuery,
		MaxOffset:    a.cfg.Crawler.MaxListingOffset,
		Listing:      a.cfg.ListingNavigation(),
		Logger:       a.logger,
	})

	deps := orchestrator.Deps{
		Browser:   a.browser,
		Store:     a.store,
		Navigator: nav,
		Lister:    a.discoverer,
		Extractor: extract.New(a.logger),
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
	}
	if a.progressHub != nil {
		deps.Progress = a.progressHub
	}
	orch, err := orchestrator.New(deps, orchestrator.Config{
		Product:         a.cfg.ProductNavigation(),
		DefaultMaxPages: a.cfg.Crawler.DefaultMaxPages,
		MaxOffset:       a.cfg.Crawler.MaxListingOffset,
		PriceTopic:      a.cfg.Events.PriceTopic,
		SnapshotPrefix:  a.cfg.Storage.Prefix,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.orchestrator = orch
	return nil
}

func (a *App) setupScheduler(context.Context) error {
	if !a.cfg.Schedule.Enabled || len(a.cfg.Schedule.Jobs) == 0 {
		return nil
	}
	entries := make([]scheduler.Entry, 0, len(a.cfg.Schedule.Jobs))
	for _, job := range a.cfg.Schedule.Jobs {
		entries = append(entries, scheduler.Entry{Spec: job.Cron, Category: job.Category, Limit: job.Limit})
	}
	sched, err := scheduler.New(a.orchestrator, entries, scheduler.Config{
		Location: a.cfg.Schedule.Location(),
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = sched
	a.logger.Info("crawl schedule loaded", zap.Int("entries", sched.Len()))
	return nil
}
