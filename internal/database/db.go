package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perp-paper-trader/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB connects to PostgreSQL using the given DSN.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := logging.Component("database")
	log.Info().Msg("connected to postgres")
	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations creates the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			open_time BIGINT NOT NULL,
			close_time BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			trade_count BIGINT NOT NULL DEFAULT 0,
			origin VARCHAR(8) NOT NULL DEFAULT 'warmup',
			PRIMARY KEY (symbol, interval, open_time)
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			position_id UUID PRIMARY KEY,
			strategy VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			full_qty DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			entry_time_ms BIGINT NOT NULL,
			leverage DOUBLE PRECISION NOT NULL,
			margin DOUBLE PRECISION NOT NULL,
			full_margin DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION NOT NULL,
			tp1_price DOUBLE PRECISION NOT NULL,
			tp2_price DOUBLE PRECISION NOT NULL,
			tp1_done BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(8) NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			fees_total DOUBLE PRECISION NOT NULL DEFAULT 0,
			liq_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			close_time_ms BIGINT,
			close_reason VARCHAR(20)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			trade_id UUID PRIMARY KEY,
			position_id UUID NOT NULL,
			strategy VARCHAR(64) NOT NULL,
			side VARCHAR(4) NOT NULL,
			kind VARCHAR(5) NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			notional DOUBLE PRECISION NOT NULL,
			fee_amount DOUBLE PRECISION NOT NULL,
			fee_rate DOUBLE PRECISION NOT NULL,
			ts_ms BIGINT NOT NULL,
			reason VARCHAR(32)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy_ts ON trades(strategy, ts_ms DESC)`,

		`CREATE TABLE IF NOT EXISTS ledger (
			id BIGSERIAL PRIMARY KEY,
			strategy VARCHAR(64) NOT NULL,
			ts_ms BIGINT NOT NULL,
			type VARCHAR(16) NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			ref VARCHAR(64),
			note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_strategy_ts ON ledger(strategy, ts_ms DESC)`,

		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			strategy VARCHAR(64) NOT NULL,
			ts_ms BIGINT NOT NULL,
			balance DOUBLE PRECISION NOT NULL,
			equity DOUBLE PRECISION NOT NULL,
			upl DOUBLE PRECISION NOT NULL,
			margin_used DOUBLE PRECISION NOT NULL,
			free_margin DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_strategy_ts ON equity_snapshots(strategy, ts_ms DESC)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			ts_ms BIGINT NOT NULL,
			strategy VARCHAR(64),
			channel VARCHAR(32),
			level VARCHAR(8) NOT NULL,
			message TEXT NOT NULL,
			dedup_key VARCHAR(128)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ms DESC)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
	}

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log := logging.Component("database")
	log.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
