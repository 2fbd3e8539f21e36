package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Notifier delivers an alert to one external channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, a *models.Alert) error
}

// Attempt is one logged delivery attempt.
type Attempt struct {
	AlertID     string    `json:"alert_id" db:"alert_id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Channel     string    `json:"channel" db:"channel"`
	Success     bool      `json:"success" db:"success"`
	Error       string    `json:"error,omitempty" db:"error"`
	DurationMs  int64     `json:"duration_ms" db:"duration_ms"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}

// AttemptLog stores delivery attempts.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// MemoryAttemptLog keeps attempts in process.
type MemoryAttemptLog struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *MemoryAttemptLog) RecordAttempt(_ context.Context, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

// Attempts returns a copy of every attempt recorded so far.
func (l *MemoryAttemptLog) Attempts() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Attempt(nil), l.attempts...)
}

// WebhookNotifier posts the alert as JSON.
type WebhookNotifier struct {
	url     string
	channel string
	http    *circuitbreaker.HTTPWrapper
	body    func(a *models.Alert) interface{}
}

// NewWebhookNotifier posts the alert record itself to url.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		channel: "webhook",
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "alert-webhook", "alerting", logger),
		body:    func(a *models.Alert) interface{} { return a },
	}
}

// NewSlackNotifier posts a Slack-compatible incoming-webhook message to url.
func NewSlackNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		channel: "slack",
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "alert-slack", "alerting", logger),
		body:    slackMessage,
	}
}

func (n *WebhookNotifier) Channel() string { return n.channel }

func (n *WebhookNotifier) Notify(ctx context.Context, a *models.Alert) error {
	payload, err := json.Marshal(n.body(a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s notification returned %d", n.channel, resp.StatusCode)
	}
	return nil
}

var severityEmoji = map[models.Severity]string{
	models.SeverityLow:      ":information_source:",
	models.SeverityMedium:   ":warning:",
	models.SeverityHigh:     ":rotating_light:",
	models.SeverityCritical: ":fire:",
}

func slackMessage(a *models.Alert) interface{} {
	return map[string]interface{}{
		"text": fmt.Sprintf("%s [%s] %s", severityEmoji[a.Severity], a.Severity, a.Title),
		"attachments": []map[string]interface{}{{
			"text": a.Message,
			"fields": []map[string]interface{}{
				{"title": "Execution", "value": a.ExecutionID, "short": true},
				{"title": "Rule", "value": a.Rule, "short": true},
			},
		}},
	}
}
