// Package postgres provides the PostgreSQL connection pool, migration runner
// and the append-only run event store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/runstream/internal/config"
)

const applicationName = "runstream"

// NewPool opens a pgx pool tuned by cfg and verifies it with a ping. Zero
// durations keep the pgx defaults.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	setIfPositive(&pc.MaxConnLifetime, cfg.MaxConnLifetime)
	setIfPositive(&pc.MaxConnIdleTime, cfg.MaxConnIdleTime)
	setIfPositive(&pc.HealthCheckPeriod, cfg.HealthCheck)
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func setIfPositive[T ~int64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
