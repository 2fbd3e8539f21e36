package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

func testConfig() Config {
	return Config{
		Enabled:           true,
		ErrorThreshold:    3,
		MinCoverage:       0.5,
		ThrottleWindow:    time.Minute,
		MinNotifySeverity: models.SeverityHigh,
	}
}

func exec(status models.ExecutionStatus) *models.PipelineExecution {
	return &models.PipelineExecution{ID: "exec-1", TargetID: "acme", TargetName: "Acme", Status: status}
}

func rulesFired(cfg Config, s Signal) []string {
	var out []string
	for _, r := range BuiltinRules() {
		if c, ok := r.Check(cfg, s); ok {
			out = append(out, c.Rule)
		}
	}
	return out
}

func TestBuiltinRules(t *testing.T) {
	cfg := testConfig()

	assert.Equal(t, []string{RuleExecutionFailed},
		rulesFired(cfg, Signal{Kind: SignalExecution, Execution: exec(models.ExecutionFailed)}))
	assert.Equal(t, []string{RulePausedExecution},
		rulesFired(cfg, Signal{Kind: SignalExecution, Execution: exec(models.ExecutionPaused)}))

	stage := &models.PipelineStage{Name: "search_discovery", Critical: true, Status: models.StageFailed}
	assert.Equal(t, []string{RuleCriticalStageFailed},
		rulesFired(cfg, Signal{Kind: SignalStage, Execution: exec(models.ExecutionRunning), Stage: stage}))

	partial := &models.PipelineStage{Name: "site_crawl", Status: models.StagePartial}
	e := exec(models.ExecutionRunning)
	e.ErrorCount = 3
	assert.Equal(t, []string{RuleErrorThreshold, RuleStagePartial},
		rulesFired(cfg, Signal{Kind: SignalStage, Execution: e, Stage: partial}))

	assert.Equal(t, []string{RuleLowCoverage},
		rulesFired(cfg, Signal{Kind: SignalQuality, Execution: exec(models.ExecutionRunning), Quality: &QualitySnapshot{Coverage: 0.25}}))
	assert.Empty(t, rulesFired(cfg, Signal{Kind: SignalQuality, Execution: exec(models.ExecutionRunning), Quality: &QualitySnapshot{Coverage: 0.75}}))
}

func TestMemoryThrottler(t *testing.T) {
	ctx := context.Background()
	th := NewMemoryThrottler()
	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	ok, _ := th.Allow(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = th.Allow(ctx, "k", time.Minute)
	assert.False(t, ok)
	ok, _ = th.Allow(ctx, "other", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = th.Allow(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRedisThrottler(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	th := NewRedisThrottler(rdb)

	ok, err := th.Allow(ctx, "rule:exec", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = th.Allow(ctx, "rule:exec", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)
	ok, err = th.Allow(ctx, "rule:exec", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

const stalledPolicy = `package diligence.alerts

import rego.v1

raise contains alert if {
	input.kind == "stage"
	input.stage.evidence_count == 0
	input.stage.status == "success"
	alert := {
		"rule": "empty_stage",
		"type": "threshold_breach",
		"severity": "medium",
		"title": sprintf("Stage %s produced no evidence", [input.stage.name]),
		"message": "stage succeeded without evidence",
	}
}
`

func TestPolicyRulesEvaluateAndReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stalled.rego"), []byte(stalledPolicy), 0o644))

	p, err := NewPolicyRules(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Modules())

	s := Signal{
		Kind:      SignalStage,
		Execution: exec(models.ExecutionRunning),
		Stage:     &models.PipelineStage{Name: "site_crawl", Status: models.StageSuccess},
	}
	got, err := p.Evaluate(context.Background(), testConfig(), s)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "empty_stage", got[0].Rule)
	assert.Equal(t, models.SeverityMedium, got[0].Severity)
	assert.Equal(t, "Stage site_crawl produced no evidence", got[0].Title)

	// A broken edit keeps the last good policies.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stalled.rego"), []byte("package broken {"), 0o644))
	require.Error(t, p.Reload())
	got, err = p.Evaluate(context.Background(), testConfig(), s)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNotifiers(t *testing.T) {
	var hookBody models.Alert
	var slackBody map[string]interface{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&hookBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&slackBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer slack.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer broken.Close()

	a := &models.Alert{ID: "a1", ExecutionID: "exec-1", Rule: RuleExecutionFailed, Severity: models.SeverityCritical, Title: "boom"}
	ctx := context.Background()
	require.NoError(t, NewWebhookNotifier(hook.URL, time.Second, nil).Notify(ctx, a))
	assert.Equal(t, "a1", hookBody.ID)

	require.NoError(t, NewSlackNotifier(slack.URL, time.Second, nil).Notify(ctx, a))
	assert.Contains(t, slackBody["text"], "boom")

	assert.Error(t, NewWebhookNotifier(broken.URL, time.Second, nil).Notify(ctx, a))
}

type recordingPublisher struct{ events []streaming.Event }

func (p *recordingPublisher) Publish(_ string, evt streaming.Event) { p.events = append(p.events, evt) }

type countingNotifier struct {
	calls atomic.Int32
	fail  bool
}

func (n *countingNotifier) Channel() string { return "test" }

func (n *countingNotifier) Notify(context.Context, *models.Alert) error {
	n.calls.Add(1)
	if n.fail {
		return assert.AnError
	}
	return nil
}

func TestEngineRaisesThrottlesAndNotifies(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	pub := &recordingPublisher{}
	notifier := &countingNotifier{fail: true}
	attempts := &MemoryAttemptLog{}
	e := NewEngine(testConfig(), l, zaptest.NewLogger(t),
		WithPublisher(pub), WithNotifiers(notifier), WithAttemptLog(attempts))

	failed := Signal{Kind: SignalExecution, Execution: exec(models.ExecutionFailed)}
	raised := e.Process(ctx, failed)
	require.Len(t, raised, 1)
	assert.Equal(t, RuleExecutionFailed, raised[0].Rule)
	assert.Equal(t, models.AlertOpen, raised[0].Status)

	// Same rule, same execution, inside the window.
	assert.Empty(t, e.Process(ctx, failed))

	// Below the notify severity.
	partial := Signal{Kind: SignalStage, Execution: exec(models.ExecutionRunning),
		Stage: &models.PipelineStage{Name: "site_crawl", Status: models.StagePartial}}
	require.Len(t, e.Process(ctx, partial), 1)

	e.Wait()
	assert.Equal(t, int32(1), notifier.calls.Load())
	logged := attempts.Attempts()
	require.Len(t, logged, 1)
	assert.False(t, logged[0].Success)
	assert.Equal(t, raised[0].ID, logged[0].AlertID)

	stored, err := l.Alerts(ctx, ledger.AlertFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	require.Len(t, pub.events, 2)
	assert.Equal(t, streaming.EventAlert, pub.events[0].Type)
}

func TestEngineDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	e := NewEngine(cfg, ledger.NewMemory(), zaptest.NewLogger(t))
	assert.Nil(t, e.Process(context.Background(), Signal{Kind: SignalExecution, Execution: exec(models.ExecutionFailed)}))
}
