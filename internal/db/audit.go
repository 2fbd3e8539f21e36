package db

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// AttemptLog queues alert delivery attempts for the alert_attempts table.
type AttemptLog struct {
	c *Client
}

var _ alerting.AttemptLog = (*AttemptLog)(nil)

func (c *Client) AttemptLog() *AttemptLog { return &AttemptLog{c: c} }

func (l *AttemptLog) RecordAttempt(_ context.Context, a alerting.Attempt) error {
	l.c.QueueWrite(WriteTypeAlertAttempt, attemptRow{
		AlertID:     a.AlertID,
		ExecutionID: a.ExecutionID,
		Channel:     a.Channel,
		Success:     a.Success,
		Error:       a.Error,
		DurationMs:  a.DurationMs,
		AttemptedAt: a.AttemptedAt.UTC(),
	}, nil)
	return nil
}

func (c *Client) insertAttempt(ctx context.Context, a attemptRow) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO alert_attempts (alert_id, execution_id, channel, success, error, duration_ms, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.ExecutionID, a.Channel, a.Success, a.Error, a.DurationMs, a.AttemptedAt)
	return classify(err, "insert alert attempt")
}

// Attempts returns the delivery attempts for an alert in the order they were made.
func (l *AttemptLog) Attempts(ctx context.Context, alertID string) ([]alerting.Attempt, error) {
	var rows []attemptRow
	err := l.c.db.SelectContext(ctx, &rows, `
		SELECT alert_id, execution_id, channel, success, error, duration_ms, attempted_at
		FROM alert_attempts WHERE alert_id = ? ORDER BY seq`, alertID)
	if err != nil {
		return nil, classify(err, "list alert attempts")
	}
	out := make([]alerting.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, alerting.Attempt{
			AlertID:     r.AlertID,
			ExecutionID: r.ExecutionID,
			Channel:     r.Channel,
			Success:     r.Success,
			Error:       r.Error,
			DurationMs:  r.DurationMs,
			AttemptedAt: r.AttemptedAt,
		})
	}
	return out, nil
}

// EventLog persists published execution events so progress survives the
// in-memory replay ring.
type EventLog struct {
	c *Client
}

var _ streaming.Persister = (*EventLog)(nil)

func (c *Client) EventLog() *EventLog { return &EventLog{c: c} }

func (l *EventLog) PersistEvent(evt streaming.Event) {
	l.c.QueueWrite(WriteTypeEvent, eventRow{
		ExecutionID: evt.ExecutionID,
		Seq:         evt.Seq,
		Type:        evt.Type,
		Body:        string(evt.Marshal()),
	}, nil)
}

func (c *Client) insertEvent(ctx context.Context, e eventRow) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO event_logs (execution_id, event_seq, type, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id, event_seq) DO NOTHING`,
		e.ExecutionID, int64(e.Seq), e.Type, e.Body)
	return classify(err, "insert event")
}

// Since returns persisted events with a sequence number above since.
func (l *EventLog) Since(ctx context.Context, executionID string, since uint64) ([]streaming.Event, error) {
	var rows []bodyRow
	err := l.c.db.SelectContext(ctx, &rows,
		`SELECT body FROM event_logs WHERE execution_id = ? AND event_seq > ? ORDER BY event_seq`,
		executionID, int64(since))
	if err != nil {
		return nil, classify(err, "list events")
	}
	out := make([]streaming.Event, 0, len(rows))
	for _, r := range rows {
		var evt streaming.Event
		if err := decode(r.Body, &evt); err != nil {
			return nil, errs.Wrapf(err, "event of %s", executionID)
		}
		out = append(out, evt)
	}
	return out, nil
}
