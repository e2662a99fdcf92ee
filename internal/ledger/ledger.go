// Package ledger is the gate's audit store on PostgreSQL: every proposal
// evaluation, every order, the positions snapshot, the lock state, and
// equity snapshots. The ledger is the audit log; the broker stays the
// source of truth for positions.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"options-trading-engine/config"
)

// Store wraps the PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects, pings, and migrates.
func New(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, log: logger.With().Str("component", "ledger").Logger()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.log.Info().Str("database", cfg.Database).Msg("ledger connected")
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			id VARCHAR(100) PRIMARY KEY,
			ts_s BIGINT NOT NULL,
			symbol VARCHAR(10) NOT NULL,
			strategy VARCHAR(30) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity INT NOT NULL,
			price DECIMAL(12, 2) NOT NULL,
			context_json JSONB,
			status VARCHAR(40) NOT NULL,
			rejection_reason TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_created ON proposals(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_symbol ON proposals(symbol)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id BIGINT PRIMARY KEY,
			proposal_id VARCHAR(100) NOT NULL REFERENCES proposals(id),
			symbol VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			filled_price DECIMAL(12, 2),
			quantity INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,

		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(30) PRIMARY KEY,
			quantity DECIMAL(12, 2) NOT NULL,
			cost_basis DECIMAL(14, 2) NOT NULL,
			date_acquired VARCHAR(30),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS system_status (
			id VARCHAR(20) PRIMARY KEY,
			status VARCHAR(10) NOT NULL,
			reason TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`INSERT INTO system_status (id, status) VALUES ('singleton', 'NORMAL')
			ON CONFLICT (id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id SERIAL PRIMARY KEY,
			equity DECIMAL(14, 2) NOT NULL,
			taken_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_taken ON equity_snapshots(taken_at)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
