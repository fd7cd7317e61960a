package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// OpenPostgres opens a connection pool to cfg.PostgresURL and pings it.
func OpenPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.PostgresMaxConns > 0 {
		db.SetMaxOpenConns(cfg.PostgresMaxConns)
	}
	if cfg.PostgresMinConns > 0 {
		db.SetMaxIdleConns(cfg.PostgresMinConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	if cfg.PostgresTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PostgresTimeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}
