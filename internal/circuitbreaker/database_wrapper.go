package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a sqlx handle. Queries are written with '?'
// placeholders and rebound for the driver. sql.ErrNoRows is an answer, not a
// failure.
type DatabaseWrapper struct {
	db *sqlx.DB
	g  guard
}

// NewDatabaseWrapper names the breaker after the driver so postgres and sqlite
// stores report separately.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	name := db.DriverName()
	if name == "postgres" {
		name = "postgresql"
	}
	return &DatabaseWrapper{db: db, g: newGuard(name, "evidence-store", KindDatabase, logger)}
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.g.call(ctx, func() error { return dw.db.PingContext(ctx) }, nil)
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (res sql.Result, err error) {
	err = dw.g.call(ctx, func() error {
		res, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	}, nil)
	return res, err
}

func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.g.call(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	}, noRows)
}

func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.g.call(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	}, noRows)
}

// BeginTxx opens a transaction whose statements share this breaker.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx
	err := dw.g.call(ctx, func() (err error) {
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, g: dw.g}, nil
}

func (dw *DatabaseWrapper) DriverName() string { return dw.db.DriverName() }

func (dw *DatabaseWrapper) Stats() sql.DBStats { return dw.db.Stats() }

func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

func (dw *DatabaseWrapper) SetPool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	dw.db.SetMaxOpenConns(maxOpen)
	dw.db.SetMaxIdleConns(maxIdle)
	dw.db.SetConnMaxLifetime(maxLifetime)
}

// Tripped reports whether the breaker is open.
func (dw *DatabaseWrapper) Tripped() bool { return dw.g.tripped() }

type TxWrapper struct {
	tx *sqlx.Tx
	g  guard
}

func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (res sql.Result, err error) {
	err = tw.g.call(ctx, func() error {
		res, err = tw.tx.ExecContext(ctx, tw.tx.Rebind(query), args...)
		return err
	}, nil)
	return res, err
}

func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return tw.g.call(ctx, func() error {
		return tw.tx.GetContext(ctx, dest, tw.tx.Rebind(query), args...)
	}, noRows)
}

func (tw *TxWrapper) Commit() error {
	return tw.g.call(context.Background(), tw.tx.Commit, nil)
}

// Rollback bypasses the breaker so cleanup always runs.
func (tw *TxWrapper) Rollback() error { return tw.tx.Rollback() }
