// Package server builds the application graph and runs it.
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
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/api"
	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/config"
	"github.com/JakeFAU/product-automation/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/product-automation/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/product-automation/internal/fetcher/headless"
	"github.com/JakeFAU/product-automation/internal/hash/sha256"
	"github.com/JakeFAU/product-automation/internal/headless/detector"
	"github.com/JakeFAU/product-automation/internal/id/uuid"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/orchestrator"
	"github.com/JakeFAU/product-automation/internal/policy/ratelimit"
	"github.com/JakeFAU/product-automation/internal/progress"
	progresssinks "github.com/JakeFAU/product-automation/internal/progress/sinks"
	"github.com/JakeFAU/product-automation/internal/provider"
	"github.com/JakeFAU/product-automation/internal/provider/copywriter"
	"github.com/JakeFAU/product-automation/internal/provider/imagegen"
	"github.com/JakeFAU/product-automation/internal/provider/scraper"
	"github.com/JakeFAU/product-automation/internal/provider/storefront"
	memorypublisher "github.com/JakeFAU/product-automation/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/product-automation/internal/publisher/pubsub"
	"github.com/JakeFAU/product-automation/internal/report"
	gcsstorage "github.com/JakeFAU/product-automation/internal/storage/gcs"
	localstorage "github.com/JakeFAU/product-automation/internal/storage/local"
	memorystorage "github.com/JakeFAU/product-automation/internal/storage/memory"
	pgstore "github.com/JakeFAU/product-automation/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/product-automation/internal/storage/sqlite"
	"github.com/JakeFAU/product-automation/internal/store"
	"github.com/JakeFAU/product-automation/internal/telemetry"
	"github.com/JakeFAU/product-automation/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	jobStore        automation.JobStore
	progressRepo    store.ProgressRepository
	orch            *orchestrator.Orchestrator
	pool            *dispatcher.Pool
	reports         *report.Service
	apiServer       *api.Server
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	headless        *headlessfetcher.Fetcher
	gemini          *copywriter.GeminiBackend
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// Orchestrator exposes the run lifecycle for CLI commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Pool exposes the worker pool.
func (a *App) Pool() *dispatcher.Pool { return a.pool }

// Reports exposes the run report exporter.
func (a *App) Reports() *report.Service { return a.reports }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run serves HTTP and runs the worker pool until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Pipeline.ResumeOnStart {
		resumed, err := a.orch.Resume(ctx)
		if err != nil {
			a.logger.Error("resume failed", zap.Error(err))
		} else if len(resumed) > 0 {
			a.logger.Info("resumed unfinished runs", zap.Int("runs", len(resumed)))
		}
	}

	go func() {
		a.logger.Info("worker pool started", zap.Int("workers", a.pool.Size()))
		a.pool.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		st := a.progressHub.Stats()
		a.logger.Info("progress hub closed",
			zap.Int64("accepted", st.Accepted),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("batches", st.Batches),
			zap.Int64("sink_errors", st.SinkErrors),
		)
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gemini != nil {
		if err := a.gemini.Close(); err != nil {
			a.logger.Warn("gemini client close failed", zap.Error(err))
		}
	}
	if a.jobStore != nil {
		if err := a.jobStore.Close(); err != nil {
			a.logger.Warn("job store close failed", zap.Error(err))
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
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Workers    int    `json:"workers"`
		Storage    string `json:"storage"`
		Postgres   bool   `json:"postgres"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Workers:    cfg.Pipeline.Workers,
		Storage:    cfg.Storage.Backend,
		Postgres:   cfg.DB.DSN != "",
	}))
	app := &App{cfg: cfg, logger: logger}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	if err := setupJobStore(ctx, app); err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}
	adapters, err := setupAdapters(ctx, app, blobStore)
	if err != nil {
		return nil, err
	}

	app.orch, err = orchestrator.New(app.jobStore, adapters,
		orchestrator.WithEventPublisher(publisher, cfg.PubSub.TopicName),
		orchestrator.WithProgress(emitter),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.pool = setupPool(app, emitter)
	app.orch.SetWaker(app.pool)

	app.reports = report.NewService(app.orch, logger.Named("report"))
	app.apiServer = api.NewServer(app.orch, *cfg, logger.Named("api"),
		api.WithExporter(app.reports),
		api.WithProgressRepository(app.progressRepo),
		api.WithReadiness(func(ctx context.Context) error {
			_, err := app.jobStore.ListRuns(ctx, automation.RunFilter{Limit: 1})
			return err
		}),
	)
	return app, nil
}

func setupJobStore(ctx context.Context, app *App) error {
	ids := uuid.New()
	if app.cfg.DB.DSN != "" {
		pg, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:      app.cfg.DB.DSN,
			MaxConns: int32(app.cfg.DB.MaxConns), //nolint:gosec // bounded by config validation
			MinConns: int32(app.cfg.DB.MinConns), //nolint:gosec // bounded by config validation
		}, pgstore.WithIDGenerator(ids))
		if err != nil {
			return fmt.Errorf("postgres job store init failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return err
		}
		app.jobStore = pg
		app.progressRepo = pg.ProgressStore()
		app.logger.Info("using postgres job store")
		return nil
	}
	lite, err := sqlitestore.Open(ctx, app.cfg.DB.SQLitePath, sqlitestore.WithIDGenerator(ids))
	if err != nil {
		return fmt.Errorf("sqlite job store init failed: %w", err)
	}
	app.jobStore = lite
	app.progressRepo = lite.ProgressStore()
	app.logger.Info("using sqlite job store", zap.String("path", app.cfg.DB.SQLitePath))
	return nil
}

func setupStorage(ctx context.Context, app *App) (automation.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (automation.EventPublisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard, nil
	}
	var sinkList []progress.Sink
	if app.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")))
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupAdapters(ctx context.Context, app *App, blobStore automation.BlobStore) (orchestrator.Adapters, error) {
	cfg := app.cfg
	logger := app.logger
	limiter := ratelimit.New(ratelimit.Config{Delays: cfg.Delays()})
	policy := automation.NewRetryPolicy(
		cfg.Pipeline.MaxAttempts,
		time.Duration(cfg.Pipeline.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Pipeline.BackoffMaxMs)*time.Millisecond,
	)
	caller := func(name string, pc config.ProviderCommon) *provider.Caller {
		return provider.NewCaller(name, limiter, policy, pc.Timeout(),
			provider.WithLogger(logger.Named("provider").With(logging.Provider(name))))
	}
	for name, d := range cfg.Delays() {
		logger.Debug("provider delay", logging.Provider(name), zap.Duration("delay", d))
	}

	sc := cfg.Providers.Scraper
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: !sc.IgnoreRobots,
		Timeout:       sc.Timeout(),
	})
	scraperOpts := []scraper.Option{
		scraper.WithLogger(logger.Named("scraper")),
		scraper.WithRequireProductHint(sc.RequireProductHint),
		scraper.WithHostLimiter(ratelimit.NewHostLimiter(ratelimit.HostConfig{RPS: sc.HostRPS, Burst: 1})),
	}
	if sc.Headless {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       sc.HeadlessParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: sc.Timeout(),
		})
		if err != nil {
			logger.Warn("headless fetcher init failed, static fetch only", zap.Error(err))
		} else {
			app.headless = headless
			scraperOpts = append(scraperOpts, scraper.WithRenderer(headless, detector.NewHeuristic(sc.PromotionThresh)))
			logger.Info("headless rendering enabled", zap.Int("max_parallel", sc.HeadlessParallel))
		}
	}
	scr := scraper.New(caller(automation.ProviderScraper, sc.ProviderCommon), static, scraperOpts...)

	cc := cfg.Providers.Copy
	var backend copywriter.Backend
	switch cc.Backend {
	case "openai":
		oa, err := copywriter.NewOpenAI(copywriter.OpenAIConfig{
			Endpoint:    cc.Endpoint,
			APIKey:      cc.APIKey,
			Model:       cc.Model,
			Temperature: cc.Temperature,
		})
		if err != nil {
			return orchestrator.Adapters{}, fmt.Errorf("openai copy backend init failed: %w", err)
		}
		backend = oa
	default:
		gm, err := copywriter.NewGemini(ctx, copywriter.GeminiConfig{
			APIKey:      cc.APIKey,
			Model:       cc.Model,
			Temperature: cc.Temperature,
		})
		if err != nil {
			return orchestrator.Adapters{}, fmt.Errorf("gemini copy backend init failed: %w", err)
		}
		app.gemini = gm
		backend = gm
	}
	cw, err := copywriter.New(caller(automation.ProviderCopy, cc.ProviderCommon), backend,
		copywriter.WithLogger(logger.Named("copywriter")))
	if err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("copy generator init failed: %w", err)
	}

	ic := cfg.Providers.Image
	images, err := imagegen.New(caller(automation.ProviderImage, ic.ProviderCommon), blobStore, imagegen.Config{
		Endpoint:      ic.Endpoint,
		APIKey:        ic.APIKey,
		Model:         ic.Model,
		Size:          ic.Size,
		MaxReferences: ic.MaxReferences,
		Prefix:        cfg.Storage.Prefix,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	}, imagegen.WithLogger(logger.Named("imagegen")), imagegen.WithHasher(sha256.New()))
	if err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("image generator init failed: %w", err)
	}

	pc := cfg.Providers.Publisher
	shop, err := storefront.New(caller(automation.ProviderPublisher, pc.ProviderCommon), storefront.Config{
		Endpoint:    pc.Endpoint,
		AccessToken: pc.APIKey,
		APIVersion:  pc.APIVersion,
		Status:      pc.Status,
	}, storefront.WithLogger(logger.Named("storefront")))
	if err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("storefront publisher init failed: %w", err)
	}

	return orchestrator.Adapters{Scraper: scr, Copy: cw, Images: images, Publisher: shop}, nil
}

func setupPool(app *App, emitter progress.Emitter) *dispatcher.Pool {
	clock := system.New()
	steppers := make([]dispatcher.Stepper, 0, app.cfg.Pipeline.Workers)
	for i := 0; i < app.cfg.Pipeline.Workers; i++ {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.Short())
		steppers = append(steppers, worker.New(
			app.jobStore,
			app.orch,
			worker.Config{ID: id, Lease: app.cfg.Lease()},
			app.logger.Named("worker").With(zap.Int("index", i)),
			worker.WithProgress(emitter),
			worker.WithClock(clock),
		))
	}
	app.logger.Info("worker pool configured",
		zap.Int("workers", len(steppers)),
		zap.Duration("lease", app.cfg.Lease()),
		zap.Duration("poll_interval", app.cfg.PollInterval()),
	)
	return dispatcher.New(app.jobStore, steppers, app.cfg.PollInterval(), app.logger.Named("dispatcher"))
}
