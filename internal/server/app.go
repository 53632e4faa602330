// Package server builds the pipeline from configuration and runs it either as
// a long-lived service or as a one-shot batch crawl.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/analysis"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/api"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/cache"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/config"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawl"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/extract"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/fetcher"
	collyfetcher "github.com/JakeFAU/academic-crawl-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/academic-crawl-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/headless/optimizer"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/id/uuid"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm/mock"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm/ollama"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/metrics"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/ocr"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/ocr/tesseract"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/orchestrator"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/pool"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/academic-crawl-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/academic-crawl-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/academic-crawl-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/queue"
	queuememory "github.com/JakeFAU/academic-crawl-pipeline/internal/queue/memory"
	queueredis "github.com/JakeFAU/academic-crawl-pipeline/internal/queue/redis"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
	gcsstorage "github.com/JakeFAU/academic-crawl-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/academic-crawl-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/academic-crawl-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/academic-crawl-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/telemetry"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector/sqlite"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	maxOCRImages    = 10
)

// Runner is what the command line needs from a built pipeline.
type Runner interface {
	Serve(ctx context.Context) error
	RunJobs(ctx context.Context, reqs []orchestrator.SubmitRequest) (string, []string, error)
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	registry prometheus.Registerer

	orchestrator *orchestrator.Orchestrator
	stage        *analysis.Stage
	apiServer    *api.Server

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registry = reg }
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{cfg: cfg, logger: logger, clock: system.New(), registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("partial build cleanup failed", zap.Error(cerr))
			}
			app = nil
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("llm_backend", cfg.LLM.Backend),
		zap.String("report_backend", cfg.Report.Backend),
	)
	metrics.Init()

	if err = app.setupTracing(ctx); err != nil {
		return app, err
	}
	st, err := app.setupStore(ctx)
	if err != nil {
		return app, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return app, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return app, err
	}
	hub, err := app.setupProgress(st)
	if err != nil {
		return app, err
	}
	taskQueue := app.setupQueue(ctx)
	mon := monitor.New(cfg.Monitor.Window, app.clock)

	app.stage, err = app.setupAnalysis(st, mon, hub, publisher)
	if err != nil {
		return app, err
	}
	factory, err := app.workerFactory(taskQueue, st, mon, hub, publisher)
	if err != nil {
		return app, err
	}
	workers, err := pool.New(pool.Config{
		MinWorkers: cfg.Workers.Min,
		MaxWorkers: cfg.Workers.Max,
		Initial:    cfg.Workers.Num,
	}, taskQueue, factory, logger)
	if err != nil {
		return app, fmt.Errorf("worker pool init failed: %w", err)
	}
	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		AutoScaleInterval: cfg.AutoScaleInterval(),
		MonitorInterval:   time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		StopTimeout:       time.Duration(cfg.Workers.StopTimeoutSeconds) * time.Second,
		MaxRetries:        cfg.Crawler.Retries,
		ReportPrefix:      cfg.Report.Prefix,
	}, orchestrator.Deps{
		Queue:   taskQueue,
		Pool:    workers,
		Monitor: mon,
		Blobs:   blobs,
		Flush:   []orchestrator.Closer{hub},
		Clock:   app.clock,
		Logger:  logger,
	})
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.orchestrator, api.NewPaperHandler(app.stage, logger.Named("papers")), api.Options{
		APIKey: cfg.Server.APIKey,
		Logger: logger,
	})
	return app, nil
}

// Orchestrator exposes the pipeline lifecycle for batch runs.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the operator HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve starts the pipeline and the HTTP server and blocks until ctx is
// canceled, then stops both and writes the run report.
func (a *App) Serve(ctx context.Context) error {
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	uri, err := a.orchestrator.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("stop pipeline: %w", err))
	}
	a.logger.Info("run report written", zap.String("uri", uri))
	return runErr
}

// RunJobs submits reqs, waits for the queue to drain and stops the pipeline.
// It returns the report URI and the submitted task ids.
func (a *App) RunJobs(ctx context.Context, reqs []orchestrator.SubmitRequest) (string, []string, error) {
	ids, submitErr := a.orchestrator.SubmitBulk(ctx, reqs)
	if submitErr != nil {
		a.logger.Warn("not every job was accepted", zap.Int("accepted", len(ids)), zap.Error(submitErr))
	}
	if err := a.orchestrator.Start(ctx); err != nil {
		return "", ids, fmt.Errorf("start pipeline: %w", err)
	}
	waitErr := a.orchestrator.WaitIdle(ctx, orchestrator.DefaultDrainPoll)
	if waitErr != nil {
		a.logger.Warn("stopped before the queue drained", zap.Error(waitErr))
	}
	uri, err := a.orchestrator.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return "", ids, fmt.Errorf("stop pipeline: %w", err)
	}
	a.logger.Info("batch crawl finished", zap.Int("tasks", len(ids)), zap.String("report", uri))
	return uri, ids, errors.Join(submitErr, waitErr)
}

// Close releases clients and stores in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose(tp.Shutdown)
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

type relationalStore interface {
	store.Store
	Close()
}

func (a *App) setupStore(ctx context.Context) (store.Store, error) {
	var st relationalStore
	if a.cfg.Database.URL == "" {
		a.logger.Warn("no database.url configured, using in-memory store")
		st = memorystorage.NewStore(uuid.New())
	} else {
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Database.URL,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("database init failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("database migrate failed: %w", err)
		}
		a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
		st = pg
	}
	a.onClose(func(context.Context) error {
		st.Close()
		return nil
	})
	return st, nil
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Report.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Report.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Report.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Report.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report storage", zap.String("path", a.cfg.Report.Dir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.onClose(func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupProgress(st store.Store) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewStoreSink(st, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.onClose(hub.Close)
	return hub, nil
}

func (a *App) setupQueue(ctx context.Context) crawler.TaskQueue {
	fallback := queuememory.NewQueue(a.cfg.Queue.MaxSize, a.clock)
	if a.cfg.Queue.Backend != "redis" {
		return fallback
	}
	primary := queueredis.New(queueredis.Config{
		Addr:    a.cfg.Queue.RedisAddr,
		Key:     a.cfg.Queue.RedisKey,
		MaxSize: a.cfg.Queue.MaxSize,
	}, a.clock, a.logger.Named("queue"))
	a.onClose(func(context.Context) error { return primary.Close() })
	return queue.WithFallback(ctx, primary, fallback, a.logger.Named("queue"))
}

func (a *App) setupAnalysis(st store.Store, mon *monitor.Monitor, hub *progress.Hub, pub crawler.Publisher) (*analysis.Stage, error) {
	ollamaCfg := ollama.Config{URL: a.cfg.Ollama.APIURL, Model: a.cfg.Ollama.Model}

	var backend llm.Backend
	switch a.cfg.LLM.Backend {
	case "mock":
		backend = mock.New()
	default:
		client, err := ollama.New(ollamaCfg)
		if err != nil {
			return nil, fmt.Errorf("ollama client init failed: %w", err)
		}
		backend = client
	}
	analyzer, err := llm.New(backend, llm.Config{
		MaxPromptChars: a.cfg.LLM.MaxPromptChars,
		Timeout:        a.cfg.LLMTimeout(),
		Retry:          llm.TransportRetryPolicy(a.cfg.LLM.MaxAttempts),
	}, a.clock, a.logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("analyzer init failed: %w", err)
	}

	var embedder vector.Embedder
	switch a.cfg.Vector.Embedder {
	case "ollama":
		embedCfg := ollamaCfg
		embedCfg.Model = a.cfg.Vector.EmbeddingModel
		e, err := ollama.NewEmbedder(embedCfg)
		if err != nil {
			return nil, fmt.Errorf("embedder init failed: %w", err)
		}
		embedder = e
	default:
		embedder = vector.NewHashingEmbedder(a.cfg.Vector.Dimensions)
	}
	vectors, err := sqlite.Open(a.cfg.Vector.StorePath)
	if err != nil {
		return nil, fmt.Errorf("vector store init failed: %w", err)
	}
	a.onClose(func(context.Context) error { return vectors.Close() })
	index, err := vector.New(embedder, vectors, a.logger.Named("vector"))
	if err != nil {
		return nil, fmt.Errorf("vector index init failed: %w", err)
	}

	stage, err := analysis.New(analysis.Deps{
		Analyzer:  analyzer,
		Store:     st,
		Index:     index,
		Errors:    mon,
		Emitter:   hub,
		Publisher: pub,
		Clock:     a.clock,
		Logger:    a.logger.Named("analysis"),
	})
	if err != nil {
		return nil, fmt.Errorf("analysis stage init failed: %w", err)
	}
	return stage, nil
}

func (a *App) workerFactory(
	taskQueue crawler.TaskQueue,
	st store.Store,
	mon *monitor.Monitor,
	hub *progress.Hub,
	pub crawler.Publisher,
) (pool.Factory, error) {
	registry, err := a.loadProfiles()
	if err != nil {
		return nil, err
	}
	pages, images, err := a.setupFetching()
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:     a.cfg.Crawler.PerHostRPS,
		Burst:   1,
		OnDelay: metrics.ObserveRateLimitDelay,
	})
	extractor := extract.New(a.logger.Named("extract"))

	opts := []crawl.Option{crawl.WithHostLimiter(limiter)}
	if images != nil {
		opts = append(opts, crawl.WithImageReader(images))
	}
	return func(id string) (*worker.Worker, error) {
		logger := a.logger.Named("worker").With(zap.String("worker_id", id))
		c, err := crawl.New(crawl.Config{
			MaxProfessorsPerDept: a.cfg.Crawler.MaxProfessorsPerDept,
			PageDelay:            a.cfg.Crawler.PageDelay,
			FollowProfessorPages: a.cfg.Crawler.FollowProfessorPages,
			FetchTimeout:         a.cfg.CrawlTimeout(),
		}, pages, extractor, registry, append(opts, crawl.WithLogger(logger))...)
		if err != nil {
			return nil, fmt.Errorf("crawler init failed: %w", err)
		}
		return worker.New(worker.Config{
			ID:          id,
			IdlePoll:    time.Duration(a.cfg.Workers.IdlePollMillis) * time.Millisecond,
			TaskTimeout: a.cfg.TaskTimeout(),
		}, worker.Deps{
			Queue:     taskQueue,
			Crawler:   c,
			Store:     st,
			Analysis:  a.stage,
			Metrics:   mon,
			Emitter:   hub,
			Publisher: pub,
			Clock:     a.clock,
			Logger:    logger,
		})
	}, nil
}

func (a *App) loadProfiles() (*selectors.Registry, error) {
	if a.cfg.Crawler.ProfilesFile == "" {
		registry, err := selectors.Default()
		if err != nil {
			return nil, fmt.Errorf("load default profiles: %w", err)
		}
		return registry, nil
	}
	f, err := os.Open(a.cfg.Crawler.ProfilesFile)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			a.logger.Warn("profiles file close failed", zap.Error(cerr))
		}
	}()
	registry, err := selectors.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load profiles %s: %w", a.cfg.Crawler.ProfilesFile, err)
	}
	a.logger.Info("selector profiles loaded", zap.Strings("profiles", registry.IDs()))
	return registry, nil
}

// setupFetching builds the cached page fetcher and, when enabled, the OCR
// image reader. Both share the plain colly fetcher.
func (a *App) setupFetching() (*fetcher.PageFetcher, *ocr.Service, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.CrawlTimeout(),
	})

	// A nil renderer keeps every page on the plain fetch.
	var renderer crawler.Fetcher
	if a.cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      a.cfg.Headless.WaitSelector,
			WaitTimeout:       time.Duration(a.cfg.Headless.WaitTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			a.onClose(func(context.Context) error {
				chrome.Close()
				return nil
			})
			renderer = chrome
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	pageCache, err := cache.New(cache.Config{
		Dir:           a.cfg.Cache.Dir,
		TTL:           a.cfg.CacheTTL(),
		MemoryEntries: a.cfg.Cache.MemoryEntries,
	}, a.clock, a.logger.Named("cache"))
	if err != nil {
		return nil, nil, fmt.Errorf("page cache init failed: %w", err)
	}
	pages, err := fetcher.New(fetcher.Config{
		Timeout:      a.cfg.CrawlTimeout(),
		WaitSelector: a.cfg.Headless.WaitSelector,
	}, plain, renderer, pageCache, optimizer.New(a.cfg.Headless.RenderThreshold, nil), a.logger.Named("fetcher"))
	if err != nil {
		return nil, nil, fmt.Errorf("page fetcher init failed: %w", err)
	}

	if !a.cfg.OCR.Enabled {
		return pages, nil, nil
	}
	engine, err := tesseract.New(a.cfg.OCR.Lang)
	if err != nil {
		a.logger.Warn("ocr engine unavailable, image text disabled", zap.Error(err))
		return pages, nil, nil
	}
	images, err := ocr.New(ocr.Config{
		MinConfidence: a.cfg.OCR.MinConfidence,
		Timeout:       time.Duration(a.cfg.OCR.TimeoutSeconds) * time.Second,
		MaxParallel:   a.cfg.OCR.MaxParallel,
		MaxImages:     maxOCRImages,
	}, engine, plain, crawler.NewExponentialRetryPolicy(), a.logger.Named("ocr"))
	if err != nil {
		return nil, nil, fmt.Errorf("ocr service init failed: %w", err)
	}
	return pages, images, nil
}
