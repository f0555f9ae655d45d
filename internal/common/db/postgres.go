// Package db wraps database/sql with the connection pool and transaction
// helper shared by every repository in this service.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/logger"
)

// DB wraps a *sql.DB with the service logger.
type DB struct {
	*sql.DB
	log *logger.Logger
}

// Connect opens a Postgres connection pool and verifies it with a ping.
func Connect(cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	log.Infof("connected to database %s@%s:%s/%s", cfg.User, cfg.Host, cfg.Port, cfg.DBName)
	return &DB{DB: sqlDB, log: log}, nil
}

// Health verifies the connection is still alive.
func (d *DB) Health(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise. fn receives the outer context so callers can
// still observe cancellation and deadlines inside the closure.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Errorf("db: rollback after error failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.DB.Close()
}
