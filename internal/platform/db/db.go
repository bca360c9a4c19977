package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions sizes the pool. Zero fields keep the defaults (10 max, 1 min).
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// Open opens a pgxpool for dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	po := PoolOptions{MaxConns: 10, MinConns: 1}
	if len(opts) > 0 {
		if opts[0].MaxConns > 0 {
			po.MaxConns = opts[0].MaxConns
		}
		if opts[0].MinConns > 0 {
			po.MinConns = opts[0].MinConns
		}
	}
	if po.MinConns > po.MaxConns {
		po.MinConns = po.MaxConns
	}
	cfg.MaxConns = po.MaxConns
	cfg.MinConns = po.MinConns
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
