package db

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// EvidenceStore is the SQL evidence.Store. Item bodies are stored as JSON next
// to the columns used for filtering; the usage counter and embedding live in
// their own columns because they are the only fields that change after insert.
type EvidenceStore struct {
	c *Client
}

var _ evidence.Store = (*EvidenceStore)(nil)

func (c *Client) EvidenceStore() *EvidenceStore { return &EvidenceStore{c: c} }

func (s *EvidenceStore) CreateCollection(ctx context.Context, col *models.EvidenceCollection) error {
	body, err := encode(col)
	if err != nil {
		return err
	}
	_, err = s.c.db.ExecContext(ctx,
		`INSERT INTO evidence_collections (id, target_id, execution_id, status, body) VALUES (?, ?, ?, ?, ?)`,
		col.ID, col.TargetID, col.ExecutionID, string(col.Status), body)
	if isUniqueViolation(err) {
		return errs.Conflict("evidence collection %s already exists", col.ID)
	}
	return classify(err, "create evidence collection")
}

func (s *EvidenceStore) GetCollection(ctx context.Context, id string) (*models.EvidenceCollection, error) {
	var row struct {
		Status string `db:"status"`
		Body   []byte `db:"body"`
	}
	err := s.c.db.GetContext(ctx, &row, `SELECT status, body FROM evidence_collections WHERE id = ?`, id)
	if errs.Is(err, errNoRows) {
		return nil, evidence.CollectionNotFound(id)
	}
	if err != nil {
		return nil, classify(err, "get evidence collection")
	}
	var col models.EvidenceCollection
	if err := decode(row.Body, &col); err != nil {
		return nil, err
	}
	col.Status = models.CollectionStatus(row.Status)
	return &col, nil
}

func (s *EvidenceStore) SetCollectionStatus(ctx context.Context, id string, status models.CollectionStatus) error {
	res, err := s.c.db.ExecContext(ctx, `UPDATE evidence_collections SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return classify(err, "set collection status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evidence.CollectionNotFound(id)
	}
	return nil
}

func (s *EvidenceStore) AppendItems(ctx context.Context, items []*models.EvidenceItem) error {
	if err := evidence.Validate(items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return s.c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		checked := make(map[string]struct{})
		for _, it := range items {
			if _, ok := checked[it.CollectionID]; ok {
				continue
			}
			var n int
			if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM evidence_collections WHERE id = ?`, it.CollectionID); err != nil {
				return classify(err, "check evidence collection")
			}
			if n == 0 {
				return evidence.CollectionNotFound(it.CollectionID)
			}
			checked[it.CollectionID] = struct{}{}
		}
		for _, it := range items {
			if err := insertItem(ctx, tx, it); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertItem(ctx context.Context, tx *circuitbreaker.TxWrapper, it *models.EvidenceItem) error {
	cp := it.Clone()
	var vec interface{}
	if len(cp.Embedding) > 0 {
		raw, err := json.Marshal(cp.Embedding)
		if err != nil {
			return errs.Wrap(err, "encode embedding")
		}
		vec = string(raw)
	}
	usage := cp.UsageCount
	cp.Embedding, cp.UsageCount = nil, 0
	body, err := encode(cp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_items (
			id, collection_id, execution_id, stage_name, category, type,
			fingerprint, usage_count, embedding, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.CollectionID, cp.ExecutionID, cp.StageName, cp.Category, string(cp.Type),
		cp.Fingerprint, usage, vec, body)
	if isUniqueViolation(err) {
		return errs.Conflict("evidence item %s already exists", cp.ID)
	}
	return classify(err, "insert evidence item")
}

type itemRow struct {
	UsageCount int    `db:"usage_count"`
	Embedding  []byte `db:"embedding"`
	Body       []byte `db:"body"`
}

func (r itemRow) item() (*models.EvidenceItem, error) {
	var it models.EvidenceItem
	if err := decode(r.Body, &it); err != nil {
		return nil, err
	}
	it.UsageCount = r.UsageCount
	if len(r.Embedding) > 0 {
		if err := decode(r.Embedding, &it.Embedding); err != nil {
			return nil, err
		}
	}
	return &it, nil
}

func itemsFrom(rows []itemRow) ([]*models.EvidenceItem, error) {
	out := make([]*models.EvidenceItem, 0, len(rows))
	for _, r := range rows {
		it, err := r.item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

const itemColumns = `usage_count, embedding, body`

func (s *EvidenceStore) GetItem(ctx context.Context, id string) (*models.EvidenceItem, error) {
	var row itemRow
	err := s.c.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM evidence_items WHERE id = ?`, id)
	if errs.Is(err, errNoRows) {
		return nil, evidence.ItemNotFound(id)
	}
	if err != nil {
		return nil, classify(err, "get evidence item")
	}
	return row.item()
}

func (s *EvidenceStore) ListItems(ctx context.Context, f evidence.Filter) ([]*models.EvidenceItem, error) {
	var (
		where []string
		args  []interface{}
	)
	for _, cond := range []struct {
		column, value string
	}{
		{"collection_id", f.CollectionID},
		{"execution_id", f.ExecutionID},
		{"stage_name", f.StageName},
		{"category", f.Category},
		{"type", string(f.Type)},
	} {
		if cond.value != "" {
			where = append(where, cond.column+" = ?")
			args = append(args, cond.value)
		}
	}
	q := `SELECT ` + itemColumns + ` FROM evidence_items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []itemRow
	if err := s.c.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(err, "list evidence items")
	}
	return itemsFrom(rows)
}

func (s *EvidenceStore) Fingerprints(ctx context.Context, collectionID string) (map[string]struct{}, error) {
	var fps []string
	err := s.c.db.SelectContext(ctx, &fps,
		`SELECT fingerprint FROM evidence_items WHERE collection_id = ? AND fingerprint <> ''`, collectionID)
	if err != nil {
		return nil, classify(err, "list fingerprints")
	}
	out := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		out[fp] = struct{}{}
	}
	return out, nil
}

func (s *EvidenceStore) IncrementUsage(ctx context.Context, itemID string, delta int) error {
	res, err := s.c.db.ExecContext(ctx, `UPDATE evidence_items SET usage_count = usage_count + ? WHERE id = ?`, delta, itemID)
	if err != nil {
		return classify(err, "increment usage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evidence.ItemNotFound(itemID)
	}
	return nil
}

func (s *EvidenceStore) SetEmbedding(ctx context.Context, itemID string, vec []float32) (bool, error) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return false, errs.Wrap(err, "encode embedding")
	}
	res, err := s.c.db.ExecContext(ctx,
		`UPDATE evidence_items SET embedding = ? WHERE id = ? AND embedding IS NULL`, string(raw), itemID)
	if err != nil {
		return false, classify(err, "set embedding")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.c.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM evidence_items WHERE id = ?`, itemID); err != nil {
		return false, classify(err, "check evidence item")
	}
	if exists == 0 {
		return false, evidence.ItemNotFound(itemID)
	}
	return false, nil
}

// SearchText loads the collection and ranks it with the same scoring as the
// in-memory store.
func (s *EvidenceStore) SearchText(ctx context.Context, collectionID, query string, limit int) ([]evidence.Hit, error) {
	items, err := s.ListItems(ctx, evidence.Filter{CollectionID: collectionID})
	if err != nil {
		return nil, err
	}
	return evidence.RankText(items, query, limit), nil
}

func (s *EvidenceStore) SearchSimilar(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]evidence.Hit, error) {
	items, err := s.ListItems(ctx, evidence.Filter{CollectionID: collectionID})
	if err != nil {
		return nil, err
	}
	return evidence.RankSimilar(items, vec, limit, minScore), nil
}

func (s *EvidenceStore) SaveCitations(ctx context.Context, citations []*models.Citation) error {
	if len(citations) == 0 {
		return nil
	}
	return s.c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		for _, cit := range citations {
			var n int
			if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM evidence_items WHERE id = ?`, cit.EvidenceID); err != nil {
				return classify(err, "check cited evidence")
			}
			if n == 0 {
				return errs.Integrity("citation %s references missing evidence %s", cit.ID, cit.EvidenceID)
			}
			body, err := encode(cit)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO citations (id, report_id, evidence_id, body) VALUES (?, ?, ?, ?)`,
				cit.ID, cit.ReportID, cit.EvidenceID, body)
			if isUniqueViolation(err) {
				return errs.Conflict("citation %s already exists", cit.ID)
			}
			if err != nil {
				return classify(err, "insert citation")
			}
		}
		return nil
	})
}

func (s *EvidenceStore) ListCitations(ctx context.Context, reportID string) ([]*models.Citation, error) {
	var rows []bodyRow
	if err := s.c.db.SelectContext(ctx, &rows, `SELECT body FROM citations WHERE report_id = ? ORDER BY seq`, reportID); err != nil {
		return nil, classify(err, "list citations")
	}
	out := make([]*models.Citation, 0, len(rows))
	for _, r := range rows {
		var cit models.Citation
		if err := decode(r.Body, &cit); err != nil {
			return nil, err
		}
		out = append(out, &cit)
	}
	return out, nil
}

// RecordSearch queues the row; ListSearches sees it once the batch flushes.
func (s *EvidenceStore) RecordSearch(_ context.Context, rec *models.SearchRecord) error {
	body, err := encode(rec)
	if err != nil {
		return err
	}
	s.c.QueueWrite(WriteTypeSearchRecord, searchRow{
		ID:          rec.ID,
		ExecutionID: rec.ExecutionID,
		CreatedAt:   rec.CreatedAt.UTC(),
		Body:        body,
	}, nil)
	return nil
}

func (c *Client) insertSearches(ctx context.Context, rows []searchRow) error {
	if len(rows) == 0 {
		return nil
	}
	return c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		for _, r := range rows {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO search_records (id, execution_id, created_at, body) VALUES (?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				r.ID, r.ExecutionID, r.CreatedAt, r.Body)
			if err != nil {
				return classify(err, "insert search record")
			}
		}
		return nil
	})
}

func (s *EvidenceStore) ListSearches(ctx context.Context, executionID string) ([]*models.SearchRecord, error) {
	var rows []bodyRow
	err := s.c.db.SelectContext(ctx, &rows,
		`SELECT body FROM search_records WHERE execution_id = ? ORDER BY created_at, seq`, executionID)
	if err != nil {
		return nil, classify(err, "list search records")
	}
	out := make([]*models.SearchRecord, 0, len(rows))
	for _, r := range rows {
		var rec models.SearchRecord
		if err := decode(r.Body, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}
