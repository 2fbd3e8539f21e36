package db

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// JSONB represents a jsonb column (TEXT on SQLite).
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	raw, err := rawJSON(value)
	if err != nil || raw == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(raw, j)
}

func rawJSON(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("cannot scan %T into a json column", value)
}

// encode renders v for a body column.
func encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(err, "encode row body")
	}
	return string(b), nil
}

// decode fills v from a body column.
func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errs.WrapKind(err, errs.KindIntegrity, "decode row body")
	}
	return nil
}

var errNoRows = sql.ErrNoRows

// bodyRow is the shape most reads scan into.
type bodyRow struct {
	Body []byte `db:"body"`
}

type searchRow struct {
	ID          string
	ExecutionID string
	CreatedAt   time.Time
	Body        string
}

type attemptRow struct {
	AlertID     string    `db:"alert_id"`
	ExecutionID string    `db:"execution_id"`
	Channel     string    `db:"channel"`
	Success     bool      `db:"success"`
	Error       string    `db:"error"`
	DurationMs  int64     `db:"duration_ms"`
	AttemptedAt time.Time `db:"attempted_at"`
}

type eventRow struct {
	ExecutionID string
	Seq         uint64
	Type        string
	Body        string
}

// isUniqueViolation recognizes duplicate key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errs.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errs.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// classify marks database failures: missing rows are not found, duplicate keys
// are conflicts and everything else is transient.
func classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errs.Is(err, sql.ErrNoRows):
		return errs.WrapKind(err, errs.KindNotFound, "%s", op)
	case isUniqueViolation(err):
		return errs.WrapKind(err, errs.KindConflict, "%s", op)
	}
	return errs.WrapKind(err, errs.KindTransient, "%s", op)
}
