package evidence

import (
	"context"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// MemoryStore is an in-process Store used by the CLI and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*models.EvidenceCollection
	items       map[string]*models.EvidenceItem
	order       []string
	citations   map[string]*models.Citation
	citeOrder   []string
	searches    []*models.SearchRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*models.EvidenceCollection),
		items:       make(map[string]*models.EvidenceItem),
		citations:   make(map[string]*models.Citation),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateCollection(_ context.Context, c *models.EvidenceCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[c.ID]; ok {
		return errs.Conflict("evidence collection %s already exists", c.ID)
	}
	cp := *c
	m.collections[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCollection(_ context.Context, id string) (*models.EvidenceCollection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, CollectionNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetCollectionStatus(_ context.Context, id string, status models.CollectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return CollectionNotFound(id)
	}
	c.Status = status
	return nil
}

func (m *MemoryStore) AppendItems(_ context.Context, items []*models.EvidenceItem) error {
	if err := Validate(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.collections[it.CollectionID]; !ok {
			return CollectionNotFound(it.CollectionID)
		}
		if _, ok := m.items[it.ID]; ok {
			return duplicateID(it.ID)
		}
	}
	for _, it := range items {
		m.items[it.ID] = it.Clone()
		m.order = append(m.order, it.ID)
	}
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*models.EvidenceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ItemNotFound(id)
	}
	return it.Clone(), nil
}

func (m *MemoryStore) ListItems(_ context.Context, f Filter) ([]*models.EvidenceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.EvidenceItem
	for _, id := range m.order {
		it := m.items[id]
		if !matches(it, f) {
			continue
		}
		out = append(out, it.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func matches(it *models.EvidenceItem, f Filter) bool {
	return (f.CollectionID == "" || it.CollectionID == f.CollectionID) &&
		(f.ExecutionID == "" || it.ExecutionID == f.ExecutionID) &&
		(f.StageName == "" || it.StageName == f.StageName) &&
		(f.Category == "" || it.Category == f.Category) &&
		(f.Type == "" || it.Type == f.Type)
}

func (m *MemoryStore) Fingerprints(_ context.Context, collectionID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{})
	for _, it := range m.items {
		if it.CollectionID == collectionID && it.Fingerprint != "" {
			out[it.Fingerprint] = struct{}{}
		}
	}
	return out, nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, itemID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return ItemNotFound(itemID)
	}
	it.UsageCount += delta
	return nil
}

func (m *MemoryStore) SetEmbedding(_ context.Context, itemID string, vec []float32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return false, ItemNotFound(itemID)
	}
	if len(it.Embedding) > 0 {
		return false, nil
	}
	it.Embedding = append([]float32(nil), vec...)
	return true, nil
}

func (m *MemoryStore) SearchText(ctx context.Context, collectionID, query string, limit int) ([]Hit, error) {
	items, _ := m.ListItems(ctx, Filter{CollectionID: collectionID})
	return RankText(items, query, limit), nil
}

func (m *MemoryStore) SearchSimilar(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]Hit, error) {
	items, _ := m.ListItems(ctx, Filter{CollectionID: collectionID})
	return RankSimilar(items, vec, limit, minScore), nil
}

func (m *MemoryStore) SaveCitations(_ context.Context, citations []*models.Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range citations {
		if _, ok := m.citations[c.ID]; ok {
			return errs.Conflict("citation %s already exists", c.ID)
		}
		if _, ok := m.items[c.EvidenceID]; !ok {
			return errs.Integrity("citation %s references missing evidence %s", c.ID, c.EvidenceID)
		}
	}
	for _, c := range citations {
		cp := *c
		m.citations[c.ID] = &cp
		m.citeOrder = append(m.citeOrder, c.ID)
	}
	return nil
}

func (m *MemoryStore) ListCitations(_ context.Context, reportID string) ([]*models.Citation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Citation
	for _, id := range m.citeOrder {
		if c := m.citations[id]; c.ReportID == reportID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordSearch(_ context.Context, rec *models.SearchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.searches = append(m.searches, &cp)
	return nil
}

func (m *MemoryStore) ListSearches(_ context.Context, executionID string) ([]*models.SearchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SearchRecord
	for _, r := range m.searches {
		if r.ExecutionID == executionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
