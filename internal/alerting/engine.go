package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// Sink stores raised alerts. The execution ledger satisfies it.
type Sink interface {
	RecordAlert(ctx context.Context, a *models.Alert) error
}

// Engine turns signals into alerts: built-in and policy rules propose
// candidates, throttling drops repeats, survivors are appended to the sink,
// published to the event stream and sent to notifiers.
type Engine struct {
	cfg       Config
	rules     []Rule
	policy    *PolicyRules
	throttle  Throttler
	notifiers []Notifier
	sink      Sink
	attempts  AttemptLog
	pub       streaming.Publisher
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithThrottler(t Throttler) Option           { return func(e *Engine) { e.throttle = t } }
func WithPolicy(p *PolicyRules) Option           { return func(e *Engine) { e.policy = p } }
func WithPublisher(p streaming.Publisher) Option { return func(e *Engine) { e.pub = p } }
func WithAttemptLog(l AttemptLog) Option         { return func(e *Engine) { e.attempts = l } }

// WithNotifiers replaces the notifiers derived from the config.
func WithNotifiers(n ...Notifier) Option { return func(e *Engine) { e.notifiers = n } }

// WithRules adds rules after the built-in ones.
func WithRules(r ...Rule) Option { return func(e *Engine) { e.rules = append(e.rules, r...) } }

// NewEngine creates an engine with the built-in rules. Webhook and Slack
// notifiers are created for the configured URLs unless WithNotifiers is given.
func NewEngine(cfg Config, sink Sink, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.MinNotifySeverity == "" {
		cfg.MinNotifySeverity = models.SeverityHigh
	}
	e := &Engine{
		cfg:    cfg,
		rules:  BuiltinRules(),
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	if cfg.WebhookURL != "" {
		e.notifiers = append(e.notifiers, NewWebhookNotifier(cfg.WebhookURL, cfg.NotifyTimeout, logger))
	}
	if cfg.SlackWebhookURL != "" {
		e.notifiers = append(e.notifiers, NewSlackNotifier(cfg.SlackWebhookURL, cfg.NotifyTimeout, logger))
	}
	for _, o := range opts {
		o(e)
	}
	if e.throttle == nil {
		e.throttle = NewMemoryThrottler()
	}
	if e.attempts == nil {
		e.attempts = &MemoryAttemptLog{}
	}
	return e
}

// ReloadPolicies recompiles the policy rules; register it with the config
// manager so .rego edits take effect without a restart.
func (e *Engine) ReloadPolicies() error {
	if e.policy == nil {
		return nil
	}
	return e.policy.Reload()
}

// Process evaluates a signal and returns the alerts it raised.
func (e *Engine) Process(ctx context.Context, s Signal) []*models.Alert {
	if !e.cfg.Enabled || s.Execution == nil {
		return nil
	}
	var candidates []Candidate
	for _, r := range e.rules {
		if c, ok := r.Check(e.cfg, s); ok {
			candidates = append(candidates, c)
		}
	}
	if e.policy != nil {
		extra, err := e.policy.Evaluate(ctx, e.cfg, s)
		if err != nil {
			e.logger.Warn("Alert policy evaluation failed", zap.String("execution_id", s.Execution.ID), zap.Error(err))
		}
		candidates = append(candidates, extra...)
	}

	var raised []*models.Alert
	for _, c := range candidates {
		if a := e.raise(ctx, s.Execution.ID, c); a != nil {
			raised = append(raised, a)
		}
	}
	return raised
}

func (e *Engine) raise(ctx context.Context, executionID string, c Candidate) *models.Alert {
	allowed, err := e.throttle.Allow(ctx, c.Rule+":"+executionID, e.cfg.ThrottleWindow)
	if err != nil {
		// Fail open.
		e.logger.Warn("Alert throttle unavailable", zap.String("rule", c.Rule), zap.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.AlertsThrottled.WithLabelValues(c.Rule).Inc()
		return nil
	}

	a := &models.Alert{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Rule:        c.Rule,
		Type:        c.Type,
		Severity:    c.Severity,
		Title:       c.Title,
		Message:     c.Message,
		Status:      models.AlertOpen,
		Context:     c.Context,
		CreatedAt:   e.now().UTC(),
	}
	if e.sink != nil {
		if err := e.sink.RecordAlert(ctx, a); err != nil {
			e.logger.Error("Failed to record alert",
				zap.String("execution_id", executionID),
				zap.String("rule", c.Rule),
				zap.Error(err),
			)
			return nil
		}
	}
	metrics.AlertsRaised.WithLabelValues(c.Rule, string(c.Severity)).Inc()
	e.logger.Info("Alert raised",
		zap.String("execution_id", executionID),
		zap.String("rule", c.Rule),
		zap.String("severity", string(c.Severity)),
		zap.String("title", c.Title),
	)

	if e.pub != nil {
		e.pub.Publish(executionID, streaming.Event{
			Type:    streaming.EventAlert,
			Status:  string(a.Severity),
			Message: a.Title,
			Data:    map[string]interface{}{"alert_id": a.ID, "rule": a.Rule, "type": string(a.Type)},
		})
	}
	if len(e.notifiers) > 0 && a.Severity.Rank() >= e.cfg.MinNotifySeverity.Rank() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.notify(context.WithoutCancel(ctx), a)
		}()
	}
	return a
}

func (e *Engine) notify(ctx context.Context, a *models.Alert) {
	for _, n := range e.notifiers {
		nctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
		start := e.now()
		err := n.Notify(nctx, a)
		cancel()

		at := Attempt{
			AlertID:     a.ID,
			ExecutionID: a.ExecutionID,
			Channel:     n.Channel(),
			Success:     err == nil,
			DurationMs:  e.now().Sub(start).Milliseconds(),
			AttemptedAt: start.UTC(),
		}
		status := "success"
		if err != nil {
			status = "failure"
			at.Error = err.Error()
			e.logger.Warn("Alert notification failed",
				zap.String("alert_id", a.ID),
				zap.String("channel", n.Channel()),
				zap.Error(err),
			)
		}
		metrics.NotificationAttempts.WithLabelValues(n.Channel(), status).Inc()
		if rerr := e.attempts.RecordAttempt(ctx, at); rerr != nil {
			e.logger.Warn("Failed to log notification attempt", zap.String("alert_id", a.ID), zap.Error(rerr))
		}
	}
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() { e.wg.Wait() }
