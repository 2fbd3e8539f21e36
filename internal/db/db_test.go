package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newSQLite(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{Driver: "sqlite3", DSN: ":memory:", Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func collection(id string) *models.EvidenceCollection {
	return &models.EvidenceCollection{
		ID: id, TargetID: "acme", ExecutionID: "exec-1",
		Status: models.CollectionCollecting, Type: "due_diligence", CreatedAt: t0,
	}
}

func evidenceItem(id, category string) *models.EvidenceItem {
	return &models.EvidenceItem{
		ID:           id,
		CollectionID: "col-1",
		ExecutionID:  "exec-1",
		StageName:    "site_crawl",
		Type:         models.EvidenceWebPage,
		Category:     category,
		Source:       models.EvidenceSource{URL: "https://acme.example/" + id, Tool: "html_collector", RetrievedAt: t0},
		Content:      models.EvidenceContent{Processed: "Acme sells " + category + " software"},
		Metadata:     models.EvidenceMetadata{Confidence: 0.8, Relevance: 0.6},
		Breadcrumbs:  []models.Breadcrumb{{Step: "crawl", URL: "https://acme.example/" + id, At: t0}},
		Detail:       models.WebPageDetail{URL: "https://acme.example/" + id, Title: "Acme"},
		Fingerprint:  "fp-" + id,
		CreatedAt:    t0,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	c := newSQLite(t)
	require.NoError(t, c.Migrate(context.Background()))

	var versions []string
	require.NoError(t, c.db.SelectContext(context.Background(), &versions, `SELECT version FROM schema_migrations ORDER BY version`))
	assert.Equal(t, []string{"001", "002"}, versions)
}

func TestEvidenceStoreItems(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t).EvidenceStore()

	require.NoError(t, s.CreateCollection(ctx, collection("col-1")))
	assert.True(t, errs.IsConflict(s.CreateCollection(ctx, collection("col-1"))))

	require.NoError(t, s.AppendItems(ctx, []*models.EvidenceItem{
		evidenceItem("e1", "market_position"),
		evidenceItem("e2", "team"),
	}))

	got, err := s.GetItem(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, evidenceItem("e1", "market_position"), got)

	// A batch with one existing id leaves nothing behind.
	err = s.AppendItems(ctx, []*models.EvidenceItem{evidenceItem("e3", "team"), evidenceItem("e1", "team")})
	assert.True(t, errs.IsConflict(err))
	_, err = s.GetItem(ctx, "e3")
	assert.True(t, errs.IsNotFound(err))

	orphan := evidenceItem("e4", "team")
	orphan.CollectionID = "col-missing"
	assert.True(t, errs.IsNotFound(s.AppendItems(ctx, []*models.EvidenceItem{orphan})))

	invalid := evidenceItem("e5", "team")
	invalid.Breadcrumbs = nil
	assert.True(t, errs.IsInvalid(s.AppendItems(ctx, []*models.EvidenceItem{invalid})))

	items, err := s.ListItems(ctx, evidence.Filter{CollectionID: "col-1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "e1", items[0].ID)
	assert.Equal(t, "e2", items[1].ID)

	items, err = s.ListItems(ctx, evidence.Filter{Category: "team", Type: models.EvidenceWebPage})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e2", items[0].ID)

	items, err = s.ListItems(ctx, evidence.Filter{ExecutionID: "exec-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	fps, err := s.Fingerprints(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"fp-e1": {}, "fp-e2": {}}, fps)

	require.NoError(t, s.IncrementUsage(ctx, "e2", 2))
	require.NoError(t, s.IncrementUsage(ctx, "e2", 1))
	assert.True(t, errs.IsNotFound(s.IncrementUsage(ctx, "ghost", 1)))
	got, err = s.GetItem(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsageCount)

	require.NoError(t, s.SetCollectionStatus(ctx, "col-1", models.CollectionComplete))
	col, err := s.GetCollection(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionComplete, col.Status)
	assert.Equal(t, "acme", col.TargetID)
	assert.True(t, errs.IsNotFound(s.SetCollectionStatus(ctx, "nope", models.CollectionArchived)))
}

func TestEvidenceStoreEmbeddingsAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t).EvidenceStore()
	require.NoError(t, s.CreateCollection(ctx, collection("col-1")))
	require.NoError(t, s.AppendItems(ctx, []*models.EvidenceItem{
		evidenceItem("e1", "market_position"),
		evidenceItem("e2", "team"),
	}))

	wrote, err := s.SetEmbedding(ctx, "e1", []float32{1, 0})
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = s.SetEmbedding(ctx, "e1", []float32{0, 1})
	require.NoError(t, err)
	assert.False(t, wrote, "embeddings are written once")
	_, err = s.SetEmbedding(ctx, "ghost", []float32{1})
	assert.True(t, errs.IsNotFound(err))

	_, err = s.SetEmbedding(ctx, "e2", []float32{0.6, 0.8})
	require.NoError(t, err)

	hits, err := s.SearchSimilar(ctx, "col-1", []float32{1, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "e1", hits[0].Item.ID)
	assert.Equal(t, []float32{1, 0}, hits[0].Item.Embedding)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)

	hits, err = s.SearchText(ctx, "col-1", "team software", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "e2", hits[0].Item.ID)
}

func TestEvidenceStoreCitations(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t).EvidenceStore()
	require.NoError(t, s.CreateCollection(ctx, collection("col-1")))
	require.NoError(t, s.AppendItems(ctx, []*models.EvidenceItem{evidenceItem("e1", "team")}))

	cite := func(id, evidenceID string) *models.Citation {
		return &models.Citation{
			ID: id, ReportID: "rep-1", ExecutionID: "exec-1", ClaimID: "claim-1",
			ClaimText: "Founders previously exited", EvidenceID: evidenceID,
			Confidence: 0.8, Relevance: 0.5, VerificationStatus: models.VerificationPending, CreatedAt: t0,
		}
	}

	err := s.SaveCitations(ctx, []*models.Citation{cite("c1", "e1"), cite("c2", "ghost")})
	require.Error(t, err)
	assert.True(t, errs.IsIntegrity(err))
	got, err := s.ListCitations(ctx, "rep-1")
	require.NoError(t, err)
	assert.Empty(t, got, "failed batches are rolled back")

	require.NoError(t, s.SaveCitations(ctx, []*models.Citation{cite("c2", "e1"), cite("c1", "e1")}))
	assert.True(t, errs.IsConflict(s.SaveCitations(ctx, []*models.Citation{cite("c1", "e1")})))

	got, err = s.ListCitations(ctx, "rep-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ID)
	assert.Equal(t, cite("c1", "e1"), got[1])
}

func TestSearchRecordsAreWrittenAsync(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t).EvidenceStore()
	for i, q := range []string{"acme funding", "acme founders"} {
		require.NoError(t, s.RecordSearch(ctx, &models.SearchRecord{
			ID: fmt.Sprintf("s%d", i), ExecutionID: "exec-1", Tool: "web_search",
			Query: q, ResultCount: 3, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	var recs []*models.SearchRecord
	require.Eventually(t, func() bool {
		var err error
		recs, err = s.ListSearches(ctx, "exec-1")
		return err == nil && len(recs) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "acme funding", recs[0].Query)
	assert.Equal(t, "acme founders", recs[1].Query)
}

func execution(id string, version int, status models.ExecutionStatus) *models.PipelineExecution {
	return &models.PipelineExecution{
		ID: id, TargetID: "acme", TargetName: "Acme", ThesisID: "growth",
		Status: status, TotalStages: 3, Version: version,
		EvidenceByType: map[models.EvidenceType]int{}, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestLedgerExecutions(t *testing.T) {
	ctx := context.Background()
	l := newSQLite(t).Ledger()

	require.NoError(t, l.RecordExecution(ctx, execution("exec-1", 1, models.ExecutionInitializing)))
	require.NoError(t, l.RecordExecution(ctx, execution("exec-1", 2, models.ExecutionRunning)))

	err := l.RecordExecution(ctx, execution("exec-1", 2, models.ExecutionFailed))
	assert.True(t, errs.IsConflict(err), "stale version")
	assert.True(t, errs.IsConflict(l.RecordExecution(ctx, execution("exec-1", 4, models.ExecutionFailed))), "gap")
	assert.True(t, errs.IsInvalid(l.RecordExecution(ctx, &models.PipelineExecution{})))

	latest, err := l.LatestExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution("exec-1", 2, models.ExecutionRunning), latest)

	history, err := l.ExecutionHistory(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ExecutionInitializing, history[0].Status)

	_, err = l.LatestExecution(ctx, "nope")
	assert.True(t, errs.IsNotFound(err))
	_, err = l.ExecutionHistory(ctx, "nope")
	assert.True(t, errs.IsNotFound(err))

	other := execution("exec-2", 1, models.ExecutionRunning)
	other.TargetID = "globex"
	require.NoError(t, l.RecordExecution(ctx, other))
	require.NoError(t, l.RecordExecution(ctx, execution("exec-1", 3, models.ExecutionCompleted)))

	all, err := l.ListExecutions(ctx, ledger.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "exec-2", all[0].ID, "newest execution first")
	assert.Equal(t, 3, all[1].Version)

	done, err := l.ListExecutions(ctx, ledger.ExecutionFilter{TargetID: "acme", Status: models.ExecutionCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "exec-1", done[0].ID)

	limited, err := l.ListExecutions(ctx, ledger.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLedgerStagesAndRows(t *testing.T) {
	ctx := context.Background()
	l := newSQLite(t).Ledger()

	stage := func(id string, order, version int, status models.StageStatus) *models.PipelineStage {
		return &models.PipelineStage{
			ID: id, ExecutionID: "exec-1", Name: id, OrderIndex: order,
			Status: status, Version: version, UpdatedAt: t0,
		}
	}
	require.NoError(t, l.RecordStage(ctx, stage("site_crawl", 1, 1, models.StagePending)))
	require.NoError(t, l.RecordStage(ctx, stage("search_discovery", 0, 1, models.StagePending)))
	require.NoError(t, l.RecordStage(ctx, stage("search_discovery", 0, 2, models.StageRunning)))
	require.NoError(t, l.RecordStage(ctx, stage("search_discovery", 0, 3, models.StageSuccess)))
	assert.True(t, errs.IsConflict(l.RecordStage(ctx, stage("site_crawl", 1, 1, models.StageRunning))))

	stages, err := l.LatestStages(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "search_discovery", stages[0].Name)
	assert.Equal(t, models.StageSuccess, stages[0].Status)
	assert.Equal(t, 3, stages[0].Version)
	assert.Equal(t, models.StagePending, stages[1].Status)

	for i, call := range []string{"search-team-1", "search-team-1", "search-overview"} {
		require.NoError(t, l.RecordToolExecution(ctx, &models.ToolExecution{
			ID: fmt.Sprintf("te-%d", i), ExecutionID: "exec-1", StageName: "search_discovery",
			CallID: call, Attempt: 1, ToolName: "web_search", Status: models.ToolSuccess,
			InputParams: map[string]interface{}{"query": "acme"}, StartedAt: t0, CompletedAt: t0,
		}))
	}
	assert.True(t, errs.IsConflict(l.RecordToolExecution(ctx, &models.ToolExecution{ID: "te-0", ExecutionID: "exec-1"})))
	rows, err := l.ToolExecutions(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "te-2", rows[2].ID)
	assert.Equal(t, map[string]interface{}{"query": "acme"}, rows[0].InputParams)

	require.NoError(t, l.RecordIntervention(ctx, &models.Intervention{
		ID: "iv-1", ExecutionID: "exec-1", Type: models.InterventionPause,
		Status: models.InterventionApplied, Result: "paused", CreatedAt: t0,
	}))
	ivs, err := l.Interventions(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, "paused", ivs[0].Result)
}

func TestLedgerAlerts(t *testing.T) {
	ctx := context.Background()
	l := newSQLite(t).Ledger()

	alert := func(id string, sev models.Severity) *models.Alert {
		return &models.Alert{
			ID: id, ExecutionID: "exec-1", Rule: "stage_failed", Type: models.AlertError,
			Severity: sev, Title: id, CreatedAt: t0,
		}
	}
	require.NoError(t, l.RecordAlert(ctx, alert("a1", models.SeverityLow)))
	require.NoError(t, l.RecordAlert(ctx, alert("a2", models.SeverityCritical)))
	assert.True(t, errs.IsConflict(l.RecordAlert(ctx, alert("a1", models.SeverityLow))))

	require.NoError(t, l.SetAlertStatus(ctx, ledger.AlertStatusChange{AlertID: "a2", Status: models.AlertAcknowledged, ChangedBy: "ops"}))
	require.NoError(t, l.SetAlertStatus(ctx, ledger.AlertStatusChange{AlertID: "a2", Status: models.AlertResolved, ChangedBy: "ops"}))
	assert.True(t, errs.IsNotFound(l.SetAlertStatus(ctx, ledger.AlertStatusChange{AlertID: "ghost", Status: models.AlertResolved})))
	assert.True(t, errs.IsInvalid(l.SetAlertStatus(ctx, ledger.AlertStatusChange{AlertID: "a1", Status: "snoozed"})))

	all, err := l.Alerts(ctx, ledger.AlertFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID, "newest first")
	assert.Equal(t, models.AlertResolved, all[0].Status)
	assert.Equal(t, models.AlertOpen, all[1].Status)

	open, err := l.Alerts(ctx, ledger.AlertFilter{Status: models.AlertOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a1", open[0].ID)

	severe, err := l.Alerts(ctx, ledger.AlertFilter{MinSeverity: models.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, "a2", severe[0].ID)
}

func TestReportStore(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t).ReportStore()

	r := &models.Report{
		ID: "rep-1", ExecutionID: "exec-1", TargetID: "acme", CompanyName: "Acme", ThesisID: "growth",
		CitationMap: map[string][]string{"claim-1": {"c1"}}, CreatedAt: t0,
	}
	require.NoError(t, s.Save(ctx, r))

	dup := *r
	dup.ID = "rep-2"
	assert.True(t, errs.IsConflict(s.Save(ctx, &dup)), "one report per execution")
	assert.True(t, errs.IsInvalid(s.Save(ctx, &models.Report{ID: "x"})))

	got, err := s.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
	got, err = s.GetByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "rep-1", got.ID)

	_, err = s.Get(ctx, "rep-9")
	assert.True(t, errs.IsNotFound(err))
	_, err = s.GetByExecution(ctx, "exec-9")
	assert.True(t, errs.IsNotFound(err))
}

func TestAttemptAndEventLogs(t *testing.T) {
	ctx := context.Background()
	c := newSQLite(t)

	attempts := c.AttemptLog()
	require.NoError(t, attempts.RecordAttempt(ctx, alerting.Attempt{
		AlertID: "a1", ExecutionID: "exec-1", Channel: "slack", Success: false,
		Error: "503", DurationMs: 12, AttemptedAt: t0,
	}))
	require.NoError(t, attempts.RecordAttempt(ctx, alerting.Attempt{
		AlertID: "a1", ExecutionID: "exec-1", Channel: "webhook", Success: true, AttemptedAt: t0,
	}))

	var got []alerting.Attempt
	require.Eventually(t, func() bool {
		var err error
		got, err = attempts.Attempts(ctx, "a1")
		return err == nil && len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "slack", got[0].Channel)
	assert.False(t, got[0].Success)
	assert.Equal(t, "503", got[0].Error)
	assert.True(t, got[1].Success)

	events := c.EventLog()
	mgr := streaming.NewManager(8, nil).WithPersister(events)
	mgr.Publish("exec-1", streaming.Event{Type: streaming.EventExecutionStarted})
	mgr.Publish("exec-1", streaming.Event{Type: streaming.EventStageStarted, Stage: "site_crawl"})

	var evs []streaming.Event
	require.Eventually(t, func() bool {
		var err error
		evs, err = events.Since(ctx, "exec-1", 1)
		return err == nil && len(evs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "site_crawl", evs[0].Stage)
	assert.Equal(t, uint64(2), evs[0].Seq)
}
