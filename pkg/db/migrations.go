package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	logstd "log"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// RunMigrations applies all pending migrations for dialect.
func RunMigrations(db *sql.DB, dialect string, logger *log.Logger) error {
	var dir string
	switch dialect {
	case DialectSQLite:
		dir = "migrations/sqlite"
	case DialectPostgres:
		dir = "migrations/postgres"
	default:
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	// goose output is replaced by our own logging
	goose.SetLogger(logstd.New(io.Discard, "", 0))
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	logger.Info("Running database migrations...", "dialect", dialect)
	if err := goose.Up(db, dir); err != nil {
		logger.Error("Database migrations failed", "error", err)
		return err
	}
	logger.Info("Database migrations completed successfully")
	return nil
}
