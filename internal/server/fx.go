// Package server builds the scanner's dependency graph and runs its processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/api"
	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/auditor"
	"github.com/JakeFAU/a11y-scanner/internal/browser"
	"github.com/JakeFAU/a11y-scanner/internal/clock/system"
	"github.com/JakeFAU/a11y-scanner/internal/config"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
	"github.com/JakeFAU/a11y-scanner/internal/dispatcher"
	"github.com/JakeFAU/a11y-scanner/internal/findings"
	"github.com/JakeFAU/a11y-scanner/internal/hash/sha256"
	"github.com/JakeFAU/a11y-scanner/internal/id/uuid"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
	"github.com/JakeFAU/a11y-scanner/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/a11y-scanner/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/a11y-scanner/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/a11y-scanner/internal/publisher/pubsub"
	"github.com/JakeFAU/a11y-scanner/internal/queue"
	"github.com/JakeFAU/a11y-scanner/internal/report"
	"github.com/JakeFAU/a11y-scanner/internal/retention"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
	"github.com/JakeFAU/a11y-scanner/internal/safety"
	"github.com/JakeFAU/a11y-scanner/internal/service"
	gcsstorage "github.com/JakeFAU/a11y-scanner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/a11y-scanner/internal/storage/local"
	memorystorage "github.com/JakeFAU/a11y-scanner/internal/storage/memory"
	pgstore "github.com/JakeFAU/a11y-scanner/internal/storage/postgres"
	"github.com/JakeFAU/a11y-scanner/internal/worker"
)

// dataStore is what both the in-memory and the Postgres store provide.
type dataStore interface {
	audit.ScanStore
	audit.JobStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     dataStore
	pg        *pgstore.Store
	scheduler *queue.Scheduler
	service   *service.Service
	worker    *worker.Worker
	sweeper   *retention.Sweeper
	apiServer *api.Server

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. Only the dependencies needed by the
// requested process are expensive to set up, so every command builds the full graph.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("report_backend", cfg.Report.Backend),
		zap.String("events_backend", cfg.Events.Backend),
		zap.Bool("headless", cfg.Scan.HeadlessEnabled),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)

	if err := app.setupStore(ctx); err != nil {
		app.closeAll()
		return nil, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	events, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()

	gate := safety.New(nil, safety.Config{
		CacheTTL:     cfg.Safety.DNSCacheTTL,
		MaxRedirects: cfg.Safety.MaxRedirects,
		Timeout:      cfg.Safety.FetchTimeout,
		UserAgent:    cfg.Scan.UserAgent,
	}, logger)

	httpPrimer := discovery.NewHTTPPrimer(discovery.HTTPConfig{
		UserAgent: cfg.Scan.UserAgent,
		Timeout:   cfg.Safety.FetchTimeout,
	}, gate.Transport(), gate.CheckRedirect)

	primer, engine, err := app.setupEngine(gate, httpPrimer)
	if err != nil {
		app.closeAll()
		return nil, err
	}

	app.scheduler = queue.NewScheduler(app.store, ids, clock, queue.Config{
		LeaseWindow: cfg.Queue.LeaseWindow,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
	}, logger)

	pageAuditor := auditor.New(
		engine,
		findings.NewNormalizer(rules.NewCatalog(), cfg.Scan.MaxFindingsPerPage),
		clock,
		auditor.Config{LightTimeout: cfg.Scan.LightTimeout},
		logger,
	)
	runner := orchestrator.New(primer, pageAuditor, app.store, clock, orchestrator.Config{MaxFindings: cfg.Scan.MaxFindings}, logger)

	renderer, err := report.NewHTMLRenderer()
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("report renderer init failed: %w", err)
	}
	reports := report.NewGenerator(app.store, blobs, sha256.New(), renderer, clock, logger)

	app.service = service.New(service.Deps{
		Scans:     app.store,
		Jobs:      app.store,
		Queue:     app.scheduler,
		Gate:      gate,
		Estimator: discovery.NewGatePrimer(gate, safety.FetchOptions{MaxRedirects: cfg.Safety.MaxRedirects}),
		Reports:   reports,
		Events:    events,
		IDs:       ids,
		Tokens:    ids,
		Clock:     clock,
	}, service.Config{EstimateTimeout: cfg.Scan.EstimateTimeout}, logger)

	app.worker = worker.New(app.scheduler, app.store, runner, events, clock, worker.Config{PollInterval: cfg.Queue.PollInterval}, logger)

	app.sweeper = retention.NewSweeper(app.store, app.store, retention.Config{
		Window:      cfg.Retention.Window,
		BatchSize:   cfg.Retention.Batch,
		JobsPerScan: cfg.Retention.JobsPerScan,
	}, logger)

	app.apiServer = api.NewServer(app.service, api.Config{
		SubmitRPS:         cfg.Server.SubmitRPS,
		SubmitBurst:       cfg.Server.SubmitBurst,
		PaymentsAPIKey:    cfg.Server.PaymentsAPIKey,
		RequestTimeout:    cfg.Server.RequestTimeout,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return err
	}
	a.pg = pg
	a.store = pg
	a.closers = append(a.closers, namedCloser{name: "postgres", close: func() error {
		pg.Close()
		return nil
	}})
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Report.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Report.GCSBucket,
			Prefix: a.cfg.Report.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs", close: blobs.Close})
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Report.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Report.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report storage", zap.String("path", a.cfg.Report.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	switch a.cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client, a.cfg.Events.Prefix)
		a.closers = append(a.closers, namedCloser{name: "pubsub", close: func() error {
			pub.Close()
			return client.Close()
		}})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("prefix", a.cfg.Events.Prefix),
		)
		return pub, nil
	case "nats":
		pub, err := natspublisher.Connect(a.cfg.Events.NATSURL, a.cfg.Events.Prefix)
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "nats", close: pub.Close})
		a.logger.Info("NATS publisher initialized", zap.String("url", a.cfg.Events.NATSURL))
		return pub, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		a.logger.Info("scan events disabled")
		return nil, nil
	}
}

// setupEngine picks the discovery primer and the rule engine. Without a browser, both fall
// back to the plain HTTP fetch.
func (a *App) setupEngine(gate *safety.Gate, httpPrimer *discovery.HTTPPrimer) (discovery.Primer, auditor.Engine, error) {
	if !a.cfg.Scan.HeadlessEnabled {
		a.logger.Warn("headless rendering disabled, auditing served HTML only")
		return httpPrimer, auditor.NewHTTPEngine(httpPrimer), nil
	}
	b, err := browser.New(browser.Config{
		MaxParallel:       1,
		UserAgent:         a.cfg.Scan.UserAgent,
		NavigationTimeout: a.cfg.Safety.FetchTimeout,
		ExecPath:          a.cfg.Scan.ChromePath,
		NoSandbox:         a.cfg.Scan.NoSandbox,
		Transport:         gate.Transport(),
	}, gate, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("browser init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "browser", close: func() error {
		b.Close()
		return nil
	}})
	engine, err := auditor.NewChromeEngine(b, a.cfg.Scan.AxeScriptPath)
	if err != nil {
		return nil, nil, fmt.Errorf("chrome engine init failed: %w", err)
	}
	primer := discovery.NewChainPrimer(a.logger, discovery.NewHeadlessPrimer(b), httpPrimer)
	a.logger.Info("using headless browser", zap.String("axe_script", a.cfg.Scan.AxeScriptPath))
	return primer, engine, nil
}

// Service exposes the application layer.
func (a *App) Service() *service.Service {
	return a.service
}

// Migrate applies the Postgres schema. It is a no-op for the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		a.logger.Info("in-memory store, nothing to migrate")
		return nil
	}
	if err := a.pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// Sweep runs one retention pass.
func (a *App) Sweep(ctx context.Context) (retention.Result, error) {
	return a.sweeper.Sweep(ctx, time.Now().UTC())
}

// RunWorker runs the worker and the retention loop until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	a.loops(true).Run(ctx)
	return nil
}

// Serve starts the HTTP API, the worker and the retention loop, and blocks until ctx is
// canceled or the listener fails.
func (a *App) Serve(ctx context.Context, withWorker bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if err := a.Migrate(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.loops(withWorker).Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
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
	<-done

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) loops(withWorker bool) *dispatcher.Dispatcher {
	var loops []dispatcher.Loop
	if withWorker {
		loops = append(loops, dispatcher.LoopFunc(a.worker.Run))
	}
	if a.cfg.Retention.Interval > 0 {
		loops = append(loops, dispatcher.Every(a.cfg.Retention.Interval, "retention", a.logger, func(ctx context.Context) error {
			_, err := a.Sweep(ctx)
			return err
		}))
	}
	return dispatcher.New(loops...)
}

// Close releases external clients in reverse order of creation.
func (a *App) Close() {
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
