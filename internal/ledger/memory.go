package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Memory is an in-process Ledger. Every accessor returns copies.
type Memory struct {
	mu sync.RWMutex

	executions map[string][]*models.PipelineExecution
	execOrder  []string
	stages     map[string][]*models.PipelineStage // stage id -> versions
	stageIndex map[string][]string                // execution id -> stage ids
	tools      map[string][]*models.ToolExecution
	ivs        map[string][]*models.Intervention
	alerts     []*models.Alert
	alertByID  map[string]*models.Alert
	alertLog   map[string][]AlertStatusChange
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string][]*models.PipelineExecution),
		stages:     make(map[string][]*models.PipelineStage),
		stageIndex: make(map[string][]string),
		tools:      make(map[string][]*models.ToolExecution),
		ivs:        make(map[string][]*models.Intervention),
		alertByID:  make(map[string]*models.Alert),
		alertLog:   make(map[string][]AlertStatusChange),
	}
}

func (m *Memory) RecordExecution(_ context.Context, e *models.PipelineExecution) error {
	if e == nil || e.ID == "" {
		return errs.Invalid("execution snapshot without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.executions[e.ID]
	latest := 0
	if n := len(versions); n > 0 {
		latest = versions[n-1].Version
	}
	if err := CheckVersion("execution", e.ID, e.Version, latest); err != nil {
		return err
	}
	if latest == 0 {
		m.execOrder = append(m.execOrder, e.ID)
	}
	m.executions[e.ID] = append(versions, e.Clone())
	return nil
}

func (m *Memory) RecordStage(_ context.Context, s *models.PipelineStage) error {
	if s == nil || s.ID == "" || s.ExecutionID == "" {
		return errs.Invalid("stage snapshot without id or execution")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.stages[s.ID]
	latest := 0
	if n := len(versions); n > 0 {
		latest = versions[n-1].Version
	}
	if err := CheckVersion("stage", s.ID, s.Version, latest); err != nil {
		return err
	}
	if latest == 0 {
		m.stageIndex[s.ExecutionID] = append(m.stageIndex[s.ExecutionID], s.ID)
	}
	m.stages[s.ID] = append(versions, s.Clone())
	return nil
}

func (m *Memory) RecordToolExecution(_ context.Context, te *models.ToolExecution) error {
	if te == nil || te.ID == "" {
		return errs.Invalid("tool execution without id")
	}
	cp := *te
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[te.ExecutionID] = append(m.tools[te.ExecutionID], &cp)
	return nil
}

func (m *Memory) RecordIntervention(_ context.Context, iv *models.Intervention) error {
	if iv == nil || iv.ID == "" {
		return errs.Invalid("intervention without id")
	}
	cp := *iv
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ivs[iv.ExecutionID] = append(m.ivs[iv.ExecutionID], &cp)
	return nil
}

func (m *Memory) RecordAlert(_ context.Context, a *models.Alert) error {
	if a == nil || a.ID == "" {
		return errs.Invalid("alert without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.alertByID[a.ID]; dup {
		return errs.Conflict("alert %s already recorded", a.ID)
	}
	cp := *a
	if cp.Status == "" {
		cp.Status = models.AlertOpen
	}
	m.alerts = append(m.alerts, &cp)
	m.alertByID[a.ID] = &cp
	return nil
}

func (m *Memory) SetAlertStatus(_ context.Context, c AlertStatusChange) error {
	if err := ValidateAlertStatus(c.Status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alertByID[c.AlertID]; !ok {
		return AlertNotFound(c.AlertID)
	}
	m.alertLog[c.AlertID] = append(m.alertLog[c.AlertID], c)
	return nil
}

func (m *Memory) LatestExecution(_ context.Context, id string) (*models.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.executions[id]
	if len(versions) == 0 {
		return nil, ExecutionNotFound(id)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (m *Memory) ExecutionHistory(_ context.Context, id string) ([]*models.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.executions[id]
	if len(versions) == 0 {
		return nil, ExecutionNotFound(id)
	}
	out := make([]*models.PipelineExecution, len(versions))
	for i, v := range versions {
		out[i] = v.Clone()
	}
	return out, nil
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]*models.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PipelineExecution
	// Newest first.
	for i := len(m.execOrder) - 1; i >= 0; i-- {
		versions := m.executions[m.execOrder[i]]
		latest := versions[len(versions)-1]
		if f.TargetID != "" && latest.TargetID != f.TargetID {
			continue
		}
		if f.Status != "" && latest.Status != f.Status {
			continue
		}
		out = append(out, latest.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestStages(_ context.Context, executionID string) ([]*models.PipelineStage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.stageIndex[executionID]
	out := make([]*models.PipelineStage, 0, len(ids))
	for _, id := range ids {
		versions := m.stages[id]
		out = append(out, versions[len(versions)-1].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *Memory) ToolExecutions(_ context.Context, executionID string) ([]*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tools[executionID]
	out := make([]*models.ToolExecution, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) Interventions(_ context.Context, executionID string) ([]*models.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.ivs[executionID]
	out := make([]*models.Intervention, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) Alerts(_ context.Context, f AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		cp := *m.alerts[i]
		if log := m.alertLog[cp.ID]; len(log) > 0 {
			cp.Status = log[len(log)-1].Status
		}
		if !MatchAlert(&cp, f) {
			continue
		}
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
