// Package postgres keeps finished simulation reports in PostgreSQL. The
// schema lives in migrations/ and is applied by cmd/migrate.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// DB is the connection pool shared by the report store.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects to the report database and refuses to start when the
// reports table has not been migrated.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	logger = logger.With(zap.String("component", "report-db"))

	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse report database url: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(min(cfg.MaxIdleConns, int(poolConfig.MaxConns)))
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open report database: %w", err)
	}
	db := &DB{pool: pool, logger: logger}

	if err := db.Health(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := db.CheckSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Report database ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return db, nil
}

// CheckSchema returns domain.ErrUnavailable when the reports table is
// missing.
func (db *DB) CheckSchema(ctx context.Context) error {
	var present bool
	if err := db.pool.QueryRow(ctx, `SELECT to_regclass('reports') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("inspect report schema: %w", err)
	}
	if !present {
		return fmt.Errorf("reports table missing, run cmd/migrate: %w", domain.ErrUnavailable)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close releases every pooled connection.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("Report database closed")
}

// Health pings the report database.
func (db *DB) Health(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping report database: %w", err)
	}
	return nil
}
