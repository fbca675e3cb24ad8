package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/admission"
	"github.com/sells-group/ingest-cli/internal/backlog"
	"github.com/sells-group/ingest-cli/internal/catalog"
	"github.com/sells-group/ingest-cli/internal/geo"
	"github.com/sells-group/ingest-cli/internal/ledger"
	"github.com/sells-group/ingest-cli/internal/monitoring"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/runner"
	"github.com/sells-group/ingest-cli/internal/schedule"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/entity"
	"github.com/sells-group/ingest-cli/pkg/extract"
	"github.com/sells-group/ingest-cli/pkg/queue"
	"github.com/sells-group/ingest-cli/pkg/sources"
)

// env holds the initialized store, clients, and core components shared by
// the serve/tick/run commands.
type env struct {
	Store     store.Store
	Registry  *schedule.Registry
	Ledger    *ledger.Ledger
	Queue     queue.Client
	Catalog   *catalog.Catalog
	Runner    *runner.Runner
	Admission *admission.Controller
	Backlog   *backlog.Reconciler
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "ingest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, source catalog, API clients, and the scheduling
// core. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cat, err := catalog.Load(cfg.Sources.CatalogPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load source catalog")
	}
	zap.L().Info("source catalog loaded", zap.Int("active_sources", len(cat.Active())))

	// Geographic coverage is optional; without a shapefile only bbox and
	// global scopes resolve.
	coverage := geo.NewCoverageIndex()
	if cfg.Coverage.ShapefilePath != "" {
		coverage, err = geo.LoadCoverageIndex(cfg.Coverage.ShapefilePath, cfg.Coverage.NameField)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load coverage index")
		}
	}

	registry := schedule.NewRegistry(st, schedule.CalculatorConfig{
		SafetyBufferItems:  cfg.Scheduler.SafetyBufferItems,
		MinIntervalDays:    cfg.Scheduler.MinIntervalDays,
		MaxIntervalDays:    cfg.Scheduler.MaxIntervalDays,
		SmoothingAlpha:     cfg.Scheduler.SmoothingAlpha,
		DefaultItemsPerDay: cfg.Scheduler.DefaultItemsPerDay,
	}, func(sourceID string) float64 {
		if src, ok := cat.Get(sourceID); ok {
			return src.DefaultItemsPerDay
		}
		return 0
	})

	led := ledger.New(st)

	var queueOpts []queue.Option
	if cfg.Queue.AuthToken != "" {
		queueOpts = append(queueOpts, queue.WithAuthToken(cfg.Queue.AuthToken))
	}
	queueClient := queue.NewClient(cfg.Queue.BaseURL, queueOpts...)

	entityClient := entity.NewClient(cfg.Entity.BaseURL)

	extractor := extract.NewExtractor(extract.NewClient(cfg.Extract.Key),
		extract.WithModel(cfg.Extract.Model),
		extract.WithMaxTokens(int64(cfg.Extract.MaxTokens)),
	)

	httpAdapter := sources.NewHTTPAdapter(extractor,
		sources.WithRateLimit(float64(cfg.Sources.HTTPRateLimit)))
	var ftpOpts []sources.FTPOption
	if cfg.Sources.FTPUser != "" {
		ftpOpts = append(ftpOpts, sources.WithCredentials(cfg.Sources.FTPUser, cfg.Sources.FTPPassword))
	}
	if cfg.Sources.FTPMaxFiles > 0 {
		ftpOpts = append(ftpOpts, sources.WithMaxFiles(cfg.Sources.FTPMaxFiles))
	}
	if cfg.Sources.FTPMaxAgeDays > 0 {
		ftpOpts = append(ftpOpts, sources.WithMaxFileAge(time.Duration(cfg.Sources.FTPMaxAgeDays)*24*time.Hour))
	}
	router := sources.NewRouter(httpAdapter, sources.NewFTPAdapter(extractor, ftpOpts...))

	resolver := catalog.NewResolver(cat, coverage, nil)

	runCfg := runner.DefaultConfig()
	if cfg.Runner.AttemptTimeoutSecs > 0 {
		runCfg.AttemptTimeout = time.Duration(cfg.Runner.AttemptTimeoutSecs) * time.Second
	}
	if cfg.Runner.RetryCooldownMins > 0 {
		runCfg.RetryCooldown = time.Duration(cfg.Runner.RetryCooldownMins) * time.Minute
	}
	runCfg.Retry = resilience.FromRetryConfig(cfg.Runner.MaxAttempts, cfg.Runner.InitialBackoffMs, cfg.Runner.MaxBackoffMs, 0, -1)
	runCfg.Breaker = resilience.FromCircuitConfig(cfg.Runner.BreakerFailureThreshold, cfg.Runner.BreakerResetSecs)
	run := runner.New(resolver, router, entityClient, st, runCfg)

	ctrl := admission.New(st, queueClient, run, admission.Config{
		MaxImmediateWaiting:  cfg.Admission.MaxImmediateWaiting,
		MaxImmediateActive:   cfg.Admission.MaxImmediateActive,
		MaxProcessingBacklog: cfg.Admission.MaxProcessingBacklog,
		InstantCooldown:      time.Duration(cfg.Admission.InstantCooldownMs) * time.Millisecond,
	})

	rec := backlog.New(st, ctrl, backlog.Config{
		MaxRequestsPerBatch: cfg.Backlog.MaxRequestsPerBatch,
		StaleAfter:          time.Duration(cfg.Backlog.StaleAfterMins) * time.Minute,
	})

	collector := monitoring.NewCollector(st, queueClient, run)

	return &env{
		Store:     st,
		Registry:  registry,
		Ledger:    led,
		Queue:     queueClient,
		Catalog:   cat,
		Runner:    run,
		Admission: ctrl,
		Backlog:   rec,
		Collector: collector,
	}, nil
}
