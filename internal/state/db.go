// Package state is the persistence adapter: every write goes through
// safeInsert/safeUpdate/safeUpsert, which never swallow errors, and
// VerifyDbHealth confirms every required table is reachable at startup.
// Schema: a singleton capital_state row, one trades row per position
// lifetime, a parallel positions row for the open-position view, and an
// append-only action_log.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is the global database connection pool.
var DB *sql.DB

// InitDBFromURL initializes the connection pool from the PERSISTENCE_URL DSN.
func InitDBFromURL(url string) error {
	var err error
	DB, err = sql.Open("postgres", url)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	if err := DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("connected to persistence database")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("closing database connection")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database connection")
		}
	}
}

// EnsureSchema applies the logical schema: capital_state, trades,
// positions, action_log.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS capital_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			available_balance DECIMAL(20, 8) NOT NULL,
			locked_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			total_realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			pool TEXT NOT NULL,
			symbol TEXT NOT NULL,
			size_usd DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(30, 12) NOT NULL,
			exit_price DECIMAL(30, 12),
			entry_value_usd DECIMAL(20, 8) NOT NULL,
			exit_value_usd DECIMAL(20, 8),
			fees_usd DECIMAL(20, 8),
			slippage_usd DECIMAL(20, 8),
			entry_score DECIMAL(10, 4) NOT NULL,
			entry_velocity_slope DECIMAL(12, 6) NOT NULL,
			entry_liquidity_slope DECIMAL(12, 6) NOT NULL,
			entry_entropy_slope DECIMAL(12, 6) NOT NULL,
			regime TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			exit_reason TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
		CREATE INDEX IF NOT EXISTS idx_trades_pool ON trades(pool);

		CREATE TABLE IF NOT EXISTS positions (
			trade_id TEXT PRIMARY KEY REFERENCES trades(id),
			pool TEXT NOT NULL,
			current_price DECIMAL(30, 12) NOT NULL,
			current_bin INTEGER NOT NULL,
			bin_offset INTEGER NOT NULL DEFAULT 0,
			bins INTEGER[] NOT NULL DEFAULT '{}',
			pnl_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_percent DECIMAL(12, 6) NOT NULL DEFAULT 0,
			health_score DECIMAL(10, 4),
			regime TEXT NOT NULL,
			exit_state TEXT NOT NULL DEFAULT 'open',
			pending_exit BOOLEAN NOT NULL DEFAULT FALSE,
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions(closed_at);

		CREATE TABLE IF NOT EXISTS action_log (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_action_log_ts ON action_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_action_log_kind ON action_log(kind);
	`
	if _, err := DB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("persistence schema ensured")
	return nil
}

// requiredTables is the table set VerifyDbHealth confirms is reachable.
var requiredTables = []string{"capital_state", "trades", "positions", "action_log"}

// VerifyDbHealth confirms every required table is reachable. Bootstrap must
// abort if this fails.
func VerifyDbHealth(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	for _, table := range requiredTables {
		q := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", table)
		if _, err := DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("table %q unreachable: %w", table, err)
		}
	}
	log.Info().Strs("tables", requiredTables).Msg("database health verified")
	return nil
}
