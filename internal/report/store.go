package report

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Store persists reports. Reports are inserted once and never updated; a second
// insert for the same report id or execution is a conflict.
type Store interface {
	Save(ctx context.Context, r *models.Report) error
	Get(ctx context.Context, id string) (*models.Report, error)
	GetByExecution(ctx context.Context, executionID string) (*models.Report, error)
}

// NotFound is returned for unknown reports.
func NotFound(id string) error {
	return errs.NotFound("report %s not found", id)
}

// MemoryStore keeps reports as encoded JSON so callers never share structure with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string][]byte
	byExec map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]byte), byExec: make(map[string]string)}
}

func (m *MemoryStore) Save(_ context.Context, r *models.Report) error {
	if r == nil || r.ID == "" || r.ExecutionID == "" {
		return errs.Invalid("report without id or execution")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(err, "encode report")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[r.ID]; dup {
		return errs.Conflict("report %s already exists", r.ID)
	}
	if prev, dup := m.byExec[r.ExecutionID]; dup {
		return errs.Conflict("execution %s already has report %s", r.ExecutionID, prev)
	}
	m.byID[r.ID] = raw
	m.byExec[r.ExecutionID] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Report, error) {
	m.mu.RLock()
	raw, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, NotFound(id)
	}
	return decode(raw)
}

func (m *MemoryStore) GetByExecution(ctx context.Context, executionID string) (*models.Report, error) {
	m.mu.RLock()
	id, ok := m.byExec[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("no report for execution %s", executionID)
	}
	return m.Get(ctx, id)
}

func decode(raw []byte) (*models.Report, error) {
	var r models.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errs.Wrap(err, "decode report")
	}
	return &r, nil
}
