// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS treasuries (
			treasury_id TEXT PRIMARY KEY,
			chain_address TEXT NOT NULL,
			idle_balance_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reserve_ratio DECIMAL(10, 8) NOT NULL DEFAULT 0.10,
			positions JSONB NOT NULL DEFAULT '[]',
			last_rebalanced_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS rebalance_records (
			record_id BIGSERIAL PRIMARY KEY,
			treasury_id TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			status VARCHAR(50) NOT NULL,
			plan JSONB NOT NULL,
			outcomes JSONB NOT NULL,
			tx_hashes TEXT[], -- PostgreSQL array of strings for tx hashes
			total_gas_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rebalance_records_treasury_started ON rebalance_records(treasury_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_rebalance_records_cycle ON rebalance_records(cycle_number DESC);

		CREATE TABLE IF NOT EXISTS engine_parameters (
			params_id SERIAL PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 1,
			config_name VARCHAR(255) NOT NULL DEFAULT 'default',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			poll_interval_seconds INTEGER NOT NULL, cooldown_seconds INTEGER NOT NULL, max_workers INTEGER NOT NULL,
			default_reserve_ratio DECIMAL(10, 8) NOT NULL, min_move_size_usd DECIMAL(20, 8) NOT NULL,
			amortization_horizon_seconds INTEGER NOT NULL, min_apy_improvement DECIMAL(10, 8) NOT NULL,
			risk_penalty_low DECIMAL(10, 4) NOT NULL, risk_penalty_medium DECIMAL(10, 4) NOT NULL, risk_penalty_high DECIMAL(10, 4) NOT NULL,
			liquidity_safety_multiple DECIMAL(10, 4) NOT NULL,
			max_attempts INTEGER NOT NULL, backoff_base_ms INTEGER NOT NULL,
			adapter_timeout_seconds INTEGER NOT NULL, pending_poll_interval_ms INTEGER NOT NULL,
			lock_lease_seconds INTEGER NOT NULL, reconcile_tolerance_usd DECIMAL(20, 8) NOT NULL,
			max_history_per_treasury INTEGER NOT NULL,
			CONSTRAINT uq_engine_parameters_config_version UNIQUE (config_name, version)
		);
		CREATE INDEX IF NOT EXISTS idx_engine_parameters_config_active ON engine_parameters(config_name, is_active, activated_at DESC);

		-- Cycle counter table for persistent global cycle tracking
		CREATE TABLE IF NOT EXISTS cycle_counter (
			id INTEGER PRIMARY KEY DEFAULT 1,
			current_cycle INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);

		-- Insert initial row if it doesn't exist
		INSERT INTO cycle_counter (id, current_cycle)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
