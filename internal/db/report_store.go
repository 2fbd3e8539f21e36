package db

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/report"
)

// ReportStore is the SQL report.Store.
type ReportStore struct {
	c *Client
}

var _ report.Store = (*ReportStore)(nil)

func (c *Client) ReportStore() *ReportStore { return &ReportStore{c: c} }

func (s *ReportStore) Save(ctx context.Context, r *models.Report) error {
	if r == nil || r.ID == "" || r.ExecutionID == "" {
		return errs.Invalid("report without id or execution")
	}
	body, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.c.db.ExecContext(ctx,
		`INSERT INTO reports (id, execution_id, body) VALUES (?, ?, ?)`, r.ID, r.ExecutionID, body)
	if isUniqueViolation(err) {
		return errs.Conflict("report %s or a report for execution %s already exists", r.ID, r.ExecutionID)
	}
	return classify(err, "insert report")
}

func (s *ReportStore) Get(ctx context.Context, id string) (*models.Report, error) {
	return s.get(ctx, `SELECT body FROM reports WHERE id = ?`, id, report.NotFound(id))
}

func (s *ReportStore) GetByExecution(ctx context.Context, executionID string) (*models.Report, error) {
	return s.get(ctx, `SELECT body FROM reports WHERE execution_id = ?`, executionID,
		errs.NotFound("no report for execution %s", executionID))
}

func (s *ReportStore) get(ctx context.Context, q, key string, notFound error) (*models.Report, error) {
	var row bodyRow
	err := s.c.db.GetContext(ctx, &row, q, key)
	if errs.Is(err, errNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, classify(err, "read report")
	}
	var r models.Report
	if err := decode(row.Body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
