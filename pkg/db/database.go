package db

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
)

// Dialects understood by Open and RunMigrations.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// DB wraps a migrated connection together with its dialect.
type DB struct {
	*sqlx.DB
	Dialect string
	logger  *log.Logger
}

// Open connects to the given backend ("sqlite" or "postgresql"), applies
// migrations and returns the wrapped connection.
func Open(ctx context.Context, backend, dsn string, logger *log.Logger) (*DB, error) {
	var (
		conn    *sqlx.DB
		dialect string
		err     error
	)
	switch backend {
	case "sqlite", DialectSQLite:
		conn, err = OpenSQLite(ctx, dsn)
		dialect = DialectSQLite
	case "postgresql", DialectPostgres:
		conn, err = OpenPostgres(ctx, dsn)
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to database", "backend", dialect)

	if err := RunMigrations(conn.DB, dialect, logger); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return &DB{DB: conn, Dialect: dialect, logger: logger}, nil
}
