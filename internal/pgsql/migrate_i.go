package pgsql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	ilog "mcctl/internal/log"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationDir = "migrations"

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	ilog.Component("pgsql").Infof(format, v...)
}

func (gooseLogger) Fatalf(format string, v ...any) {
	ilog.Component("pgsql").Fatalf(format, v...)
}

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("migrate: nil database")
	}
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	logger := ilog.Component("pgsql")
	logger.Infof("applying migrations")
	if err := goose.UpContext(runCtx, db, migrationDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(runCtx, db)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Infof("migrations applied (version=%d)", version)
	return nil
}
