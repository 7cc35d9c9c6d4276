// Package store persists extracted records into PostgreSQL/PostGIS.
// Every write is an idempotent upsert keyed on the OSM id, so a run can
// be repeated against a partially populated database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wegman-software/osmextract/internal/config"
)

// Conn is one pooled connection, held for a single statement
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// Pool hands out connections. Acquire blocks until one is free or ctx ends.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PgxPool adapts a pgxpool.Pool to Pool
type PgxPool struct {
	*pgxpool.Pool
}

// Acquire takes a connection from the pool
func (p PgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Open connects a pool sized to cfg.PoolSize and checks the database is
// reachable. Failure here is fatal for the run.
func Open(ctx context.Context, cfg *config.Config) (PgxPool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return PgxPool{}, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return PgxPool{}, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout*time.Duration(cfg.AcquireAttempts))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return PgxPool{}, fmt.Errorf("failed to reach PostgreSQL at %s: %w", cfg.Target(), err)
	}
	return PgxPool{Pool: pool}, nil
}
