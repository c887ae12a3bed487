// ./internal/state/history_store.go
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/webspoilt/yieldroute/internal/types"
)

// SaveRebalanceRecord appends one execution record to the treasury's history
// and prunes entries beyond maxHistory, oldest first. maxHistory <= 0
// disables pruning.
func SaveRebalanceRecord(record types.RebalanceRecord, maxHistory int) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	planJSON, err := json.Marshal(record.Plan)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal plan: %w", err)
	}
	outcomesJSON, err := json.Marshal(record.Outcomes)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	stmt := `
		INSERT INTO rebalance_records (
			treasury_id, cycle_number, status, plan, outcomes,
			tx_hashes, total_gas_usd, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING record_id;`

	var recordID int64
	err = DB.QueryRow(stmt,
		string(record.TreasuryID), record.CycleNumber, string(record.Status),
		planJSON, outcomesJSON, pq.Array(record.TxHashes),
		record.TotalGasUSD, record.StartedAt, record.FinishedAt,
	).Scan(&recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to save rebalance record: %w", err)
	}

	if maxHistory > 0 {
		pruneStmt := `
			DELETE FROM rebalance_records
			WHERE treasury_id = $1
			  AND record_id NOT IN (
				SELECT record_id FROM rebalance_records
				WHERE treasury_id = $1
				ORDER BY started_at DESC, record_id DESC
				LIMIT $2
			  );`
		if _, err := DB.Exec(pruneStmt, string(record.TreasuryID), maxHistory); err != nil {
			// History pruning is best-effort; the record itself is saved.
			log.Warn().Err(err).
				Str("treasuryID", string(record.TreasuryID)).
				Msg("Failed to prune rebalance history")
		}
	}

	log.Debug().
		Int64("recordID", recordID).
		Str("treasuryID", string(record.TreasuryID)).
		Str("status", string(record.Status)).
		Msg("Saved rebalance record")
	return recordID, nil
}

// ListRebalanceRecords returns the most recent records for a treasury,
// newest first. limit <= 0 returns the full retained history.
func ListRebalanceRecords(treasuryID types.TreasuryID, limit int) ([]types.RebalanceRecord, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT record_id, treasury_id, cycle_number, status, plan, outcomes,
		       tx_hashes, total_gas_usd, started_at, finished_at
		FROM rebalance_records
		WHERE treasury_id = $1
		ORDER BY started_at DESC, record_id DESC`
	args := []interface{}{string(treasuryID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance records: %w", err)
	}
	defer rows.Close()

	var records []types.RebalanceRecord
	for rows.Next() {
		record, err := scanRebalanceRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rebalance record rows: %w", err)
	}
	return records, nil
}

// GetLastRebalanceRecord returns the most recent record for a treasury, or
// ErrNotFound when the treasury has no history yet.
func GetLastRebalanceRecord(treasuryID types.TreasuryID) (types.RebalanceRecord, error) {
	records, err := ListRebalanceRecords(treasuryID, 1)
	if err != nil {
		return types.RebalanceRecord{}, err
	}
	if len(records) == 0 {
		return types.RebalanceRecord{}, fmt.Errorf("no history for treasury %s: %w", treasuryID, ErrNotFound)
	}
	return records[0], nil
}

func scanRebalanceRecord(rows *sql.Rows) (types.RebalanceRecord, error) {
	var (
		record       types.RebalanceRecord
		treasuryID   string
		status       string
		planJSON     []byte
		outcomesJSON []byte
		txHashes     pq.StringArray
	)

	err := rows.Scan(&record.RecordID, &treasuryID, &record.CycleNumber, &status,
		&planJSON, &outcomesJSON, &txHashes, &record.TotalGasUSD,
		&record.StartedAt, &record.FinishedAt)
	if err != nil {
		return types.RebalanceRecord{}, fmt.Errorf("failed to scan rebalance record: %w", err)
	}

	record.TreasuryID = types.TreasuryID(treasuryID)
	record.Status = types.ExecutionStatus(status)
	record.TxHashes = txHashes
	if err := json.Unmarshal(planJSON, &record.Plan); err != nil {
		return types.RebalanceRecord{}, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if err := json.Unmarshal(outcomesJSON, &record.Outcomes); err != nil {
		return types.RebalanceRecord{}, fmt.Errorf("failed to unmarshal outcomes: %w", err)
	}
	return record, nil
}
