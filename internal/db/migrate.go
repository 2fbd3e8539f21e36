package db

import (
	"context"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrations embed.FS

// Migrate applies the driver's pending migrations in file name order. Each file
// runs in its own transaction together with its schema_migrations row.
func (c *Client) Migrate(ctx context.Context) error {
	dir := "migrations/postgres"
	if c.isSQLite() {
		dir = "migrations/sqlite3"
	}
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return classify(err, "create schema_migrations")
	}

	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return errs.Wrap(err, "read migrations")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]
		var n int
		if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version); err != nil {
			return classify(err, "check migration "+name)
		}
		if n > 0 {
			continue
		}
		script, err := migrations.ReadFile(path.Join(dir, name))
		if err != nil {
			return errs.Wrapf(err, "read %s", name)
		}
		err = c.WithTx(ctx, func(tx *circuitbreaker.TxWrapper) error {
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return errs.WrapKind(err, errs.KindConfig, "execute %s", name)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
				return classify(err, "record "+name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
		c.logger.Info("Applied migration", zap.String("migration", name))
	}
	c.logger.Debug("Migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}
