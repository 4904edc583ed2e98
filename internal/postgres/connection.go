// Package postgres implements the remote document store on PostgreSQL with
// optimistic concurrency on the notebook version column.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds what the store needs to run against an existing pool.
type Config struct {
	Pool        *pgxpool.Pool
	TablePrefix string
	Logger      *slog.Logger
}

// TableNames holds the prefixed table names.
type TableNames struct {
	Notebooks      string
	Sessions       string
	LessonProgress string
}

// NewTableNames creates table names with the given prefix.
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Notebooks:      fmt.Sprintf("%snotebooks", prefix),
		Sessions:       fmt.Sprintf("%ssessions", prefix),
		LessonProgress: fmt.Sprintf("%slesson_progress", prefix),
	}
}

// CreateConnectionPool opens and pings a pgx pool.
//
// Port 6543 is the conventional PgBouncer transaction pooler port, which does
// not support prepared statements; on it the pool switches to
// QueryExecModeCacheDescribe unless the URL already chose a mode.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
