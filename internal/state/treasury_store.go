// ./internal/state/treasury_store.go
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webspoilt/yieldroute/internal/types"
)

// SaveTreasury upserts the full treasury state, positions included. The row
// is the single source of truth between cycles, so the write happens before
// any execution result is reported upward.
func SaveTreasury(treasury types.Treasury) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	positionsJSON, err := json.Marshal(treasury.Positions)
	if err != nil {
		return fmt.Errorf("failed to marshal positions for treasury %s: %w", treasury.ID, err)
	}

	stmt := `
		INSERT INTO treasuries (treasury_id, chain_address, idle_balance_usd, reserve_ratio, positions, last_rebalanced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (treasury_id) DO UPDATE SET
			chain_address = EXCLUDED.chain_address,
			idle_balance_usd = EXCLUDED.idle_balance_usd,
			reserve_ratio = EXCLUDED.reserve_ratio,
			positions = EXCLUDED.positions,
			last_rebalanced_at = EXCLUDED.last_rebalanced_at,
			updated_at = CURRENT_TIMESTAMP;`

	var lastRebalanced sql.NullTime
	if !treasury.LastRebalancedAt.IsZero() {
		lastRebalanced = sql.NullTime{Time: treasury.LastRebalancedAt, Valid: true}
	}

	_, err = DB.Exec(stmt,
		string(treasury.ID), treasury.ChainAddress, treasury.IdleBalance,
		treasury.ReserveRatio, positionsJSON, lastRebalanced)
	if err != nil {
		return fmt.Errorf("failed to save treasury %s: %w", treasury.ID, err)
	}

	log.Debug().Str("treasuryID", string(treasury.ID)).Msg("Saved treasury state")
	return nil
}

// GetTreasury loads one treasury by ID. Returns ErrNotFound if absent.
func GetTreasury(treasuryID types.TreasuryID) (types.Treasury, error) {
	if DB == nil {
		return types.Treasury{}, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT treasury_id, chain_address, idle_balance_usd, reserve_ratio, positions, last_rebalanced_at
		FROM treasuries WHERE treasury_id = $1;`

	row := DB.QueryRow(query, string(treasuryID))
	treasury, err := scanTreasury(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Treasury{}, fmt.Errorf("treasury %s: %w", treasuryID, ErrNotFound)
		}
		return types.Treasury{}, fmt.Errorf("failed to load treasury %s: %w", treasuryID, err)
	}
	return treasury, nil
}

// ListTreasuries loads every managed treasury, ordered by ID for
// deterministic cycle scheduling.
func ListTreasuries() ([]types.Treasury, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT treasury_id, chain_address, idle_balance_usd, reserve_ratio, positions, last_rebalanced_at
		FROM treasuries ORDER BY treasury_id;`

	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list treasuries: %w", err)
	}
	defer rows.Close()

	var treasuries []types.Treasury
	for rows.Next() {
		treasury, err := scanTreasury(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan treasury row: %w", err)
		}
		treasuries = append(treasuries, treasury)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating treasury rows: %w", err)
	}
	return treasuries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTreasury(row rowScanner) (types.Treasury, error) {
	var (
		treasury       types.Treasury
		id             string
		positionsJSON  []byte
		lastRebalanced sql.NullTime
	)

	err := row.Scan(&id, &treasury.ChainAddress, &treasury.IdleBalance,
		&treasury.ReserveRatio, &positionsJSON, &lastRebalanced)
	if err != nil {
		return types.Treasury{}, err
	}

	treasury.ID = types.TreasuryID(id)
	if lastRebalanced.Valid {
		treasury.LastRebalancedAt = lastRebalanced.Time
	} else {
		treasury.LastRebalancedAt = time.Time{}
	}
	if len(positionsJSON) > 0 {
		if err := json.Unmarshal(positionsJSON, &treasury.Positions); err != nil {
			return types.Treasury{}, fmt.Errorf("failed to unmarshal positions: %w", err)
		}
	}
	return treasury, nil
}
