package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
)

// Connect opens the postgres pool and verifies it with exponential backoff,
// so the service survives the database coming up after it does.
func Connect(cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN not set")
	}

	sqldb, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute

	err = backoff.RetryNotify(sqldb.Ping, policy, func(err error, next time.Duration) {
		log.Warn("DATABASE", fmt.Sprintf("postgres not ready, retrying in %s: %v", next.Round(time.Second), err))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	log.Info("DATABASE", "postgres connection established")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}
