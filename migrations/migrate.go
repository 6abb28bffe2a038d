package migrations

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pressly/goose/v3"
)

var setupOnce sync.Once
var setupErr error

func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to, reset) against the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
