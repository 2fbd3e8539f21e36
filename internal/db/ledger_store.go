package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Ledger is the SQL ledger.Ledger. Every write is an INSERT; the unique
// (id, version) keys back up the version check when two writers race.
type Ledger struct {
	c *Client
}

var _ ledger.Ledger = (*Ledger)(nil)

func (c *Client) Ledger() *Ledger { return &Ledger{c: c} }

func (l *Ledger) RecordExecution(ctx context.Context, e *models.PipelineExecution) error {
	if e == nil || e.ID == "" {
		return errs.Invalid("execution snapshot without id")
	}
	body, err := encode(e)
	if err != nil {
		return err
	}
	return l.c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var latest int
		if err := tx.GetContext(ctx, &latest,
			`SELECT COALESCE(MAX(version), 0) FROM execution_snapshots WHERE execution_id = ?`, e.ID); err != nil {
			return classify(err, "read execution version")
		}
		if err := ledger.CheckVersion("execution", e.ID, e.Version, latest); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_snapshots (execution_id, version, target_id, status, body)
			VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.Version, e.TargetID, string(e.Status), body)
		if isUniqueViolation(err) {
			return errs.Conflict("execution %s: version %d written concurrently", e.ID, e.Version)
		}
		return classify(err, "insert execution snapshot")
	})
}

func (l *Ledger) RecordStage(ctx context.Context, s *models.PipelineStage) error {
	if s == nil || s.ID == "" || s.ExecutionID == "" {
		return errs.Invalid("stage snapshot without id or execution")
	}
	body, err := encode(s)
	if err != nil {
		return err
	}
	return l.c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var latest int
		if err := tx.GetContext(ctx, &latest,
			`SELECT COALESCE(MAX(version), 0) FROM stage_snapshots WHERE stage_id = ?`, s.ID); err != nil {
			return classify(err, "read stage version")
		}
		if err := ledger.CheckVersion("stage", s.ID, s.Version, latest); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stage_snapshots (stage_id, execution_id, version, order_index, body)
			VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.ExecutionID, s.Version, s.OrderIndex, body)
		if isUniqueViolation(err) {
			return errs.Conflict("stage %s: version %d written concurrently", s.ID, s.Version)
		}
		return classify(err, "insert stage snapshot")
	})
}

// appendRow inserts an immutable row keyed by id.
func (l *Ledger) appendRow(ctx context.Context, table, id, executionID string, v interface{}) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	_, err = l.c.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, execution_id, body) VALUES (?, ?, ?)`, id, executionID, body)
	if isUniqueViolation(err) {
		return errs.Conflict("%s %s already recorded", table, id)
	}
	return classify(err, "insert into "+table)
}

func (l *Ledger) RecordToolExecution(ctx context.Context, te *models.ToolExecution) error {
	if te == nil || te.ID == "" {
		return errs.Invalid("tool execution without id")
	}
	return l.appendRow(ctx, "tool_executions", te.ID, te.ExecutionID, te)
}

func (l *Ledger) RecordIntervention(ctx context.Context, iv *models.Intervention) error {
	if iv == nil || iv.ID == "" {
		return errs.Invalid("intervention without id")
	}
	return l.appendRow(ctx, "interventions", iv.ID, iv.ExecutionID, iv)
}

func (l *Ledger) RecordAlert(ctx context.Context, a *models.Alert) error {
	if a == nil || a.ID == "" {
		return errs.Invalid("alert without id")
	}
	cp := *a
	if cp.Status == "" {
		cp.Status = models.AlertOpen
	}
	err := l.appendRow(ctx, "alerts", cp.ID, cp.ExecutionID, &cp)
	if errs.IsConflict(err) {
		return errs.Conflict("alert %s already recorded", a.ID)
	}
	return err
}

func (l *Ledger) SetAlertStatus(ctx context.Context, c ledger.AlertStatusChange) error {
	if err := ledger.ValidateAlertStatus(c.Status); err != nil {
		return err
	}
	if c.ChangedAt.IsZero() {
		c.ChangedAt = time.Now().UTC()
	}
	return l.c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM alerts WHERE id = ?`, c.AlertID); err != nil {
			return classify(err, "check alert")
		}
		if n == 0 {
			return ledger.AlertNotFound(c.AlertID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO alert_status_changes (alert_id, status, changed_by, changed_at) VALUES (?, ?, ?, ?)`,
			c.AlertID, string(c.Status), c.ChangedBy, c.ChangedAt.UTC())
		return classify(err, "insert alert status change")
	})
}

func (l *Ledger) LatestExecution(ctx context.Context, id string) (*models.PipelineExecution, error) {
	var row bodyRow
	err := l.c.db.GetContext(ctx, &row,
		`SELECT body FROM execution_snapshots WHERE execution_id = ? ORDER BY version DESC LIMIT 1`, id)
	if errs.Is(err, errNoRows) {
		return nil, ledger.ExecutionNotFound(id)
	}
	if err != nil {
		return nil, classify(err, "read execution")
	}
	var e models.PipelineExecution
	if err := decode(row.Body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *Ledger) ExecutionHistory(ctx context.Context, id string) ([]*models.PipelineExecution, error) {
	var rows []bodyRow
	if err := l.c.db.SelectContext(ctx, &rows,
		`SELECT body FROM execution_snapshots WHERE execution_id = ? ORDER BY version`, id); err != nil {
		return nil, classify(err, "read execution history")
	}
	if len(rows) == 0 {
		return nil, ledger.ExecutionNotFound(id)
	}
	return decodeExecutions(rows)
}

func decodeExecutions(rows []bodyRow) ([]*models.PipelineExecution, error) {
	out := make([]*models.PipelineExecution, 0, len(rows))
	for _, r := range rows {
		var e models.PipelineExecution
		if err := decode(r.Body, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// ListExecutions returns latest snapshots, most recently created execution first.
func (l *Ledger) ListExecutions(ctx context.Context, f ledger.ExecutionFilter) ([]*models.PipelineExecution, error) {
	q := `
		SELECT s.body FROM execution_snapshots s
		JOIN (
			SELECT execution_id, MAX(version) AS latest, MIN(seq) AS first_seq
			FROM execution_snapshots GROUP BY execution_id
		) m ON m.execution_id = s.execution_id AND m.latest = s.version
		WHERE 1 = 1`
	var args []interface{}
	if f.TargetID != "" {
		q += ` AND s.target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		q += ` AND s.status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY m.first_seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []bodyRow
	if err := l.c.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(err, "list executions")
	}
	return decodeExecutions(rows)
}

func (l *Ledger) LatestStages(ctx context.Context, executionID string) ([]*models.PipelineStage, error) {
	var rows []bodyRow
	err := l.c.db.SelectContext(ctx, &rows, `
		SELECT s.body FROM stage_snapshots s
		JOIN (
			SELECT stage_id, MAX(version) AS latest, MIN(seq) AS first_seq
			FROM stage_snapshots WHERE execution_id = ? GROUP BY stage_id
		) m ON m.stage_id = s.stage_id AND m.latest = s.version
		ORDER BY s.order_index, m.first_seq`, executionID)
	if err != nil {
		return nil, classify(err, "list stages")
	}
	out := make([]*models.PipelineStage, 0, len(rows))
	for _, r := range rows {
		var s models.PipelineStage
		if err := decode(r.Body, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, nil
}

func (l *Ledger) ToolExecutions(ctx context.Context, executionID string) ([]*models.ToolExecution, error) {
	var rows []bodyRow
	if err := l.c.db.SelectContext(ctx, &rows,
		`SELECT body FROM tool_executions WHERE execution_id = ? ORDER BY seq`, executionID); err != nil {
		return nil, classify(err, "list tool executions")
	}
	out := make([]*models.ToolExecution, 0, len(rows))
	for _, r := range rows {
		var te models.ToolExecution
		if err := decode(r.Body, &te); err != nil {
			return nil, err
		}
		out = append(out, &te)
	}
	return out, nil
}

func (l *Ledger) Interventions(ctx context.Context, executionID string) ([]*models.Intervention, error) {
	var rows []bodyRow
	if err := l.c.db.SelectContext(ctx, &rows,
		`SELECT body FROM interventions WHERE execution_id = ? ORDER BY seq`, executionID); err != nil {
		return nil, classify(err, "list interventions")
	}
	out := make([]*models.Intervention, 0, len(rows))
	for _, r := range rows {
		var iv models.Intervention
		if err := decode(r.Body, &iv); err != nil {
			return nil, err
		}
		out = append(out, &iv)
	}
	return out, nil
}

// Alerts applies status and severity filters after folding in the latest
// status change, newest alert first.
func (l *Ledger) Alerts(ctx context.Context, f ledger.AlertFilter) ([]*models.Alert, error) {
	q := `
		SELECT a.body,
			(SELECT c.status FROM alert_status_changes c
			 WHERE c.alert_id = a.id ORDER BY c.seq DESC LIMIT 1) AS latest_status
		FROM alerts a`
	var args []interface{}
	if f.ExecutionID != "" {
		q += ` WHERE a.execution_id = ?`
		args = append(args, f.ExecutionID)
	}
	q += ` ORDER BY a.seq DESC`

	var rows []struct {
		Body         []byte         `db:"body"`
		LatestStatus sql.NullString `db:"latest_status"`
	}
	if err := l.c.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(err, "list alerts")
	}
	var out []*models.Alert
	for _, r := range rows {
		var a models.Alert
		if err := decode(r.Body, &a); err != nil {
			return nil, err
		}
		if r.LatestStatus.Valid {
			a.Status = models.AlertStatus(r.LatestStatus.String)
		}
		if !ledger.MatchAlert(&a, f) {
			continue
		}
		out = append(out, &a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
