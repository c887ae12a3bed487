// ./internal/state/parameters_store.go
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webspoilt/yieldroute/internal/types"
)

// SaveEngineParameters saves a new version of engine parameters. When
// makeActive is true, any currently active set for the same config name is
// deactivated in the same transaction, so exactly one set is live at a time.
func SaveEngineParameters(params types.EngineParameters, configName string, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE engine_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
        INSERT INTO engine_parameters (
            version, config_name, is_active, activated_at, created_at,
            poll_interval_seconds, cooldown_seconds, max_workers,
            default_reserve_ratio, min_move_size_usd,
            amortization_horizon_seconds, min_apy_improvement,
            risk_penalty_low, risk_penalty_medium, risk_penalty_high,
            liquidity_safety_multiple,
            max_attempts, backoff_base_ms,
            adapter_timeout_seconds, pending_poll_interval_ms,
            lock_lease_seconds, reconcile_tolerance_usd,
            max_history_per_treasury
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8,
            $9, $10,
            $11, $12,
            $13, $14, $15,
            $16,
            $17, $18,
            $19, $20,
            $21, $22,
            $23
        ) RETURNING params_id;`

	var paramsID int64
	currentTime := time.Now()
	err = tx.QueryRow(
		stmt,
		version, configName, makeActive, currentTime, currentTime,
		params.PollIntervalSeconds, params.CooldownSeconds, params.MaxWorkers,
		params.DefaultReserveRatio, params.MinMoveSizeUSD,
		params.AmortizationHorizonSeconds, params.MinAPYImprovement,
		params.RiskPenaltyLow, params.RiskPenaltyMedium, params.RiskPenaltyHigh,
		params.LiquiditySafetyMultiple,
		params.MaxAttempts, params.BackoffBaseMs,
		params.AdapterTimeoutSeconds, params.PendingPollIntervalMs,
		params.LockLeaseSeconds, params.ReconcileToleranceUSD,
		params.MaxHistoryPerTreasury,
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert engine parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit engine parameters transaction: %w", err)
	}

	log.Info().
		Int64("paramsID", paramsID).
		Str("configName", configName).
		Int("version", version).
		Bool("active", makeActive).
		Msg("Saved engine parameters")
	return paramsID, nil
}

// LoadActiveEngineParameters returns the currently active parameter set for
// a config name, or ErrNotFound when none has been activated yet.
func LoadActiveEngineParameters(configName string) (*types.EngineParameters, error) {
	return loadEngineParameters(configName, `is_active = TRUE`)
}

// LoadLatestEngineParameters returns the highest-versioned parameter set
// regardless of active flag. Used to pick the next version number.
func LoadLatestEngineParameters(configName string) (*types.EngineParameters, error) {
	return loadEngineParameters(configName, `TRUE ORDER BY version DESC`)
}

func loadEngineParameters(configName, condition string) (*types.EngineParameters, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := fmt.Sprintf(`
		SELECT poll_interval_seconds, cooldown_seconds, max_workers,
		       default_reserve_ratio, min_move_size_usd,
		       amortization_horizon_seconds, min_apy_improvement,
		       risk_penalty_low, risk_penalty_medium, risk_penalty_high,
		       liquidity_safety_multiple,
		       max_attempts, backoff_base_ms,
		       adapter_timeout_seconds, pending_poll_interval_ms,
		       lock_lease_seconds, reconcile_tolerance_usd,
		       max_history_per_treasury
		FROM engine_parameters
		WHERE config_name = $1 AND %s
		LIMIT 1;`, condition)

	var params types.EngineParameters
	err := DB.QueryRow(query, configName).Scan(
		&params.PollIntervalSeconds, &params.CooldownSeconds, &params.MaxWorkers,
		&params.DefaultReserveRatio, &params.MinMoveSizeUSD,
		&params.AmortizationHorizonSeconds, &params.MinAPYImprovement,
		&params.RiskPenaltyLow, &params.RiskPenaltyMedium, &params.RiskPenaltyHigh,
		&params.LiquiditySafetyMultiple,
		&params.MaxAttempts, &params.BackoffBaseMs,
		&params.AdapterTimeoutSeconds, &params.PendingPollIntervalMs,
		&params.LockLeaseSeconds, &params.ReconcileToleranceUSD,
		&params.MaxHistoryPerTreasury,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no engine parameters for config %s: %w", configName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load engine parameters for %s: %w", configName, err)
	}
	return &params, nil
}

// GetNextParameterVersion returns the version number a new parameter set for
// this config name should carry.
func GetNextParameterVersion(configName string) (int, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	var maxVersion sql.NullInt64
	err := DB.QueryRow(
		`SELECT MAX(version) FROM engine_parameters WHERE config_name = $1;`,
		configName,
	).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to get max parameter version for %s: %w", configName, err)
	}
	if !maxVersion.Valid {
		return 1, nil
	}
	return int(maxVersion.Int64) + 1, nil
}
