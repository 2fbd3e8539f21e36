package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

func snapshot(id string, version int, status models.ExecutionStatus) *models.PipelineExecution {
	return &models.PipelineExecution{
		ID:       id,
		TargetID: "target-" + id,
		Status:   status,
		Version:  version,
		EvidenceByType: map[models.EvidenceType]int{
			models.EvidenceWebPage: version,
		},
	}
}

func TestRecordExecutionVersioning(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	require.NoError(t, l.RecordExecution(ctx, snapshot("e1", 1, models.ExecutionInitializing)))
	require.NoError(t, l.RecordExecution(ctx, snapshot("e1", 2, models.ExecutionRunning)))

	err := l.RecordExecution(ctx, snapshot("e1", 2, models.ExecutionPaused))
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	err = l.RecordExecution(ctx, snapshot("e1", 4, models.ExecutionPaused))
	assert.True(t, errs.IsConflict(err))

	err = l.RecordExecution(ctx, snapshot("e2", 2, models.ExecutionRunning))
	assert.True(t, errs.IsConflict(err), "first snapshot must be version 1")

	latest, err := l.LatestExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, models.ExecutionRunning, latest.Status)

	history, err := l.ExecutionHistory(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ExecutionInitializing, history[0].Status)
}

func TestLatestExecutionIsACopy(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	e := snapshot("e1", 1, models.ExecutionRunning)
	require.NoError(t, l.RecordExecution(ctx, e))

	e.Status = models.ExecutionFailed
	e.EvidenceByType[models.EvidenceWebPage] = 99

	got, err := l.LatestExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
	assert.Equal(t, 1, got.EvidenceByType[models.EvidenceWebPage])

	got.Status = models.ExecutionCancelled
	again, _ := l.LatestExecution(ctx, "e1")
	assert.Equal(t, models.ExecutionRunning, again.Status)
}

func TestLatestExecutionNotFound(t *testing.T) {
	_, err := NewMemory().LatestExecution(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.RecordExecution(ctx, snapshot("a", 1, models.ExecutionRunning)))
	require.NoError(t, l.RecordExecution(ctx, snapshot("b", 1, models.ExecutionRunning)))
	require.NoError(t, l.RecordExecution(ctx, snapshot("b", 2, models.ExecutionCompleted)))
	require.NoError(t, l.RecordExecution(ctx, snapshot("c", 1, models.ExecutionRunning)))

	all, err := l.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	running, err := l.ListExecutions(ctx, ExecutionFilter{Status: models.ExecutionRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	byTarget, err := l.ListExecutions(ctx, ExecutionFilter{TargetID: "target-b"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, models.ExecutionCompleted, byTarget[0].Status)

	limited, err := l.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLatestStagesOrdered(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	stage := func(id string, order, version int, status models.StageStatus) *models.PipelineStage {
		return &models.PipelineStage{ID: id, ExecutionID: "e1", Name: id, OrderIndex: order, Version: version, Status: status}
	}
	require.NoError(t, l.RecordStage(ctx, stage("crawl", 1, 1, models.StagePending)))
	require.NoError(t, l.RecordStage(ctx, stage("search", 0, 1, models.StagePending)))
	require.NoError(t, l.RecordStage(ctx, stage("search", 0, 2, models.StageRunning)))
	require.NoError(t, l.RecordStage(ctx, stage("search", 0, 3, models.StageSuccess)))

	err := l.RecordStage(ctx, stage("crawl", 1, 3, models.StageRunning))
	assert.True(t, errs.IsConflict(err))

	stages, err := l.LatestStages(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "search", stages[0].Name)
	assert.Equal(t, models.StageSuccess, stages[0].Status)
	assert.Equal(t, models.StagePending, stages[1].Status)
}

func TestToolExecutionsAppendOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	for i, st := range []models.ToolStatus{models.ToolFailed, models.ToolFailed, models.ToolSuccess} {
		require.NoError(t, l.RecordToolExecution(ctx, &models.ToolExecution{
			ID: "t" + string(rune('1'+i)), ExecutionID: "e1", CallID: "c1", Attempt: i + 1, Status: st,
		}))
	}
	rows, err := l.ToolExecutions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Attempt)
	}
	assert.Equal(t, models.ToolSuccess, rows[2].Status)
}

func TestAlertStatusHistory(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.RecordAlert(ctx, &models.Alert{ID: "a1", ExecutionID: "e1", Severity: models.SeverityHigh}))
	require.NoError(t, l.RecordAlert(ctx, &models.Alert{ID: "a2", ExecutionID: "e1", Severity: models.SeverityLow}))
	assert.True(t, errs.IsConflict(l.RecordAlert(ctx, &models.Alert{ID: "a1"})))

	require.NoError(t, l.SetAlertStatus(ctx, AlertStatusChange{AlertID: "a1", Status: models.AlertAcknowledged, ChangedAt: time.Now()}))
	assert.True(t, errs.IsNotFound(l.SetAlertStatus(ctx, AlertStatusChange{AlertID: "zz", Status: models.AlertResolved})))
	assert.True(t, errs.IsInvalid(l.SetAlertStatus(ctx, AlertStatusChange{AlertID: "a1", Status: "closed"})))

	open, err := l.Alerts(ctx, AlertFilter{Status: models.AlertOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a2", open[0].ID)

	severe, err := l.Alerts(ctx, AlertFilter{MinSeverity: models.SeverityMedium})
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, models.AlertAcknowledged, severe[0].Status)
}

func TestInterventionsRecorded(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.RecordIntervention(ctx, &models.Intervention{ID: "i1", ExecutionID: "e1", Type: models.InterventionPause, Status: models.InterventionApplied}))
	require.NoError(t, l.RecordIntervention(ctx, &models.Intervention{ID: "i2", ExecutionID: "e1", Type: models.InterventionSkipStage, Status: models.InterventionFailed}))

	ivs, err := l.Interventions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, ivs, 2)
	assert.Equal(t, models.InterventionFailed, ivs[1].Status)
}
