// Package app assembles a diligence pipeline from configuration. The service
// binary and the local CLI runner share it.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/config"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/db"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/health"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/report"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/stage"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/vectordb"
)

// streamMaxLen caps each execution's Redis event stream.
const streamMaxLen = 5000

// App is a wired pipeline and the resources it owns.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Theses       *thesis.Registry
	Tools        *tools.Registry
	Evidence     *evidence.Service
	Ledger       ledger.Ledger
	Reports      report.Store
	Alerts       *alerting.Engine
	Stream       *streaming.Manager
	Health       *health.Manager

	// DB is nil with the memory driver.
	DB *db.Client
	// EventLog is set when events are persisted.
	EventLog *db.EventLog

	logger  *zap.Logger
	closers []func() error
}

// Build wires every component described by cfg. Failures of optional
// integrations (Redis cache, vector index, MCP servers) are logged and the
// pipeline runs without them; a store or thesis failure is fatal.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger, Health: health.NewManager(logger)}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(f func() error) { a.closers = append(a.closers, f) }

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	logger := a.logger

	a.Stream = streaming.NewManager(0, logger)

	// Stores
	var (
		store    evidence.Store
		attempts alerting.AttemptLog
	)
	switch cfg.Database.Driver {
	case "", "memory":
		store = evidence.NewMemoryStore()
		a.Ledger = ledger.NewMemory()
		a.Reports = report.NewMemoryStore()
		attempts = &alerting.MemoryAttemptLog{}
	default:
		client, err := db.NewClient(ctx, db.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return err
		}
		a.DB = client
		a.onClose(client.Close)
		store = client.EvidenceStore()
		a.Ledger = client.Ledger()
		a.Reports = client.ReportStore()
		attempts = client.AttemptLog()
		a.EventLog = client.EventLog()
		a.Stream.WithPersister(a.EventLog)
		_ = a.Health.RegisterChecker(health.NewDatabaseChecker(client.Wrapper()))
	}

	// Redis backs the target lock, the alert throttle and the event stream mirror.
	var (
		locker    orchestrator.Locker = orchestrator.NewMemoryLocker()
		throttler alerting.Throttler  = alerting.NewMemoryThrottler()
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.onClose(rdb.Close)
		locker = orchestrator.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		throttler = alerting.NewRedisThrottler(rdb)
		a.Stream.WithRedis(rdb, streamMaxLen)
		_ = a.Health.RegisterChecker(health.NewRedisChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	// Evidence
	evOpts := []evidence.Option{evidence.WithCredibility(evidence.LoadCredibility(cfg.CredibilityPath, logger))}
	if cfg.Embeddings.BaseURL != "" {
		var cache embeddings.EmbeddingCache
		if cfg.Embeddings.RedisAddr != "" {
			if c, err := embeddings.NewRedisCache(cfg.Embeddings.RedisAddr, logger); err == nil {
				cache = c
			} else {
				logger.Warn("Embeddings Redis cache init failed", zap.Error(err))
			}
		}
		evOpts = append(evOpts, evidence.WithEmbedder(embeddings.NewService(cfg.Embeddings, cache, nil, logger)))
	}
	if cfg.VectorDB.Enabled {
		vc := vectordb.NewClient(cfg.VectorDB, nil, logger)
		if err := vc.ValidateEmbeddingDimensions(ctx); err != nil {
			logger.Warn("Vector index disabled", zap.Error(err))
		} else {
			evOpts = append(evOpts, evidence.WithVectorIndex(vc))
		}
	}
	a.Evidence = evidence.NewService(store, logger, evOpts...)

	// Tools
	limits, err := ratecontrol.LoadFile(cfg.RateLimitsPath)
	if err != nil {
		return errs.WrapKind(err, errs.KindConfig, "rate limits %s", cfg.RateLimitsPath)
	}
	model := tools.NewModelClient(cfg.Tools.Model, nil, limits, logger)
	a.Tools = tools.NewRegistry(
		tools.NewSearchAdapter(cfg.Tools.Search, nil, limits, logger),
		tools.NewCrawlAdapter(cfg.Tools.Crawl, nil, limits, logger),
		tools.NewModelAdapter(model, logger),
	)
	if cfg.Tools.Browser.Enabled {
		browser := tools.NewBrowserAdapter(cfg.Tools.Browser, limits, logger)
		a.onClose(func() error { browser.Close(); return nil })
		a.Tools.Register(browser)
	}
	a.registerMCP(ctx)

	// Theses
	if a.Theses, err = thesis.NewRegistry(logger); err != nil {
		return errs.WrapKind(err, errs.KindConfig, "thesis presets")
	}
	if cfg.ThesisDir != "" {
		mgr, err := config.NewManager(cfg.ThesisDir, logger)
		if err != nil {
			return errs.WrapKind(err, errs.KindConfig, "thesis directory %s", cfg.ThesisDir)
		}
		a.Theses.Watch(mgr)
		if err := mgr.Start(ctx); err != nil {
			return errs.WrapKind(err, errs.KindConfig, "watch thesis directory %s", cfg.ThesisDir)
		}
		a.onClose(mgr.Stop)
	}

	// Alerts
	alertOpts := []alerting.Option{
		alerting.WithThrottler(throttler),
		alerting.WithPublisher(a.Stream),
		alerting.WithAttemptLog(attempts),
	}
	var notifiers []alerting.Notifier
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.NotifyTimeout, logger))
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.Alerting.SlackWebhookURL, cfg.Alerting.NotifyTimeout, logger))
	}
	alertOpts = append(alertOpts, alerting.WithNotifiers(notifiers...))
	if dir := cfg.Alerting.PolicyDir; dir != "" {
		rules, err := alerting.NewPolicyRules(dir, logger)
		if err != nil {
			return errs.WrapKind(err, errs.KindConfig, "alert policies %s", dir)
		}
		alertOpts = append(alertOpts, alerting.WithPolicy(rules))
	}
	a.Alerts = alerting.NewEngine(cfg.Alerting, a.Ledger, logger, alertOpts...)
	if dir := cfg.Alerting.PolicyDir; dir != "" {
		mgr, err := config.NewManager(dir, logger)
		if err != nil {
			return errs.WrapKind(err, errs.KindConfig, "alert policy directory %s", dir)
		}
		mgr.RegisterPolicyHandler(a.Alerts.ReloadPolicies)
		if err := mgr.Start(ctx); err != nil {
			return errs.WrapKind(err, errs.KindConfig, "watch alert policy directory %s", dir)
		}
		a.onClose(mgr.Stop)
	}

	// Orchestrator
	oc := cfg.Orchestrator
	executor := stage.NewExecutor(a.Tools, a.Evidence, a.Ledger, stage.BackoffConfig{
		Initial:    oc.InitialBackoff,
		Max:        oc.MaxBackoff,
		Multiplier: oc.BackoffMultiplier,
	}, logger)
	var assessor orchestrator.Assessor = orchestrator.HeuristicAssessor{}
	if oc.Assessor == "model" {
		assessor = orchestrator.NewModelAssessor(model, logger)
	}
	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Version:           oc.Version,
		MaxParallelStages: oc.MaxParallelStages,
		GlobalStageLimit:  oc.GlobalStageLimit,
		CallConcurrency:   oc.CallConcurrency,
		StageMaxRetries:   oc.StageMaxRetries,
		StageTimeout:      oc.StageTimeout,
	}, orchestrator.Deps{
		Theses:   a.Theses,
		Tools:    a.Tools,
		Executor: executor,
		Evidence: a.Evidence,
		Ledger:   a.Ledger,
		Reports:  a.Reports,
		Linker: citation.NewLinker(a.Evidence, citation.Config{
			MaxPerClaim:  cfg.Citation.MaxPerClaim,
			MinRelevance: cfg.Citation.MinRelevance,
		}, logger),
		Synthesizer: report.NewSynthesizer(logger),
		Assessor:    assessor,
		Locker:      locker,
		Alerts:      a.Alerts,
		Events:      a.Stream,
	}, logger)
	if err != nil {
		return err
	}

	_ = a.Health.RegisterChecker(health.NewBreakerChecker(nil))
	_ = a.Health.RegisterChecker(health.NewExecutionsChecker(a.Orchestrator.Active, int(oc.GlobalStageLimit)))
	return nil
}

// registerMCP dials every configured MCP server and registers its tools.
func (a *App) registerMCP(ctx context.Context) {
	for _, srv := range a.Config.Tools.MCP {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		session, err := tools.DialMCP(dialCtx, srv)
		cancel()
		if err != nil {
			a.logger.Warn("MCP server unavailable", zap.String("server", srv.Name), zap.Error(err))
			continue
		}
		a.onClose(session.Close)
		for _, tc := range srv.Tools {
			adapter, err := tools.NewMCPAdapter(srv.Name, tc, session, a.logger)
			if err != nil {
				a.logger.Warn("Skipping MCP tool", zap.String("server", srv.Name), zap.String("tool", tc.Tool), zap.Error(err))
				continue
			}
			a.Tools.Register(adapter)
			a.logger.Info("MCP tool registered", zap.String("server", srv.Name), zap.String("tool", adapter.Name()))
		}
	}
}

// Close stops executions, waits for pending alert notifications and
// embedding backfills, then releases resources in reverse order.
func (a *App) Close() error {
	var first error
	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		first = a.Orchestrator.Shutdown(ctx)
		cancel()
	}
	if a.Alerts != nil {
		a.Alerts.Wait()
	}
	if a.Evidence != nil {
		a.Evidence.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// HealthRoutes registers the health endpoints on mux.
func (a *App) HealthRoutes(mux *http.ServeMux) {
	health.NewHTTPHandler(a.Health, a.logger).RegisterRoutes(mux)
}
