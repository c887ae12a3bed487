// ./internal/state/store.go
package state

import (
	"errors"

	"github.com/webspoilt/yieldroute/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the executor and engine depend on. The
// production implementation is SQLStore over the global Postgres pool; tests
// use MemoryStore.
type Store interface {
	SaveTreasury(treasury types.Treasury) error
	GetTreasury(treasuryID types.TreasuryID) (types.Treasury, error)
	ListTreasuries() ([]types.Treasury, error)

	SaveRebalanceRecord(record types.RebalanceRecord, maxHistory int) (int64, error)
	ListRebalanceRecords(treasuryID types.TreasuryID, limit int) ([]types.RebalanceRecord, error)
	GetLastRebalanceRecord(treasuryID types.TreasuryID) (types.RebalanceRecord, error)

	IncrementCycleNumber() (int, error)
}

// SQLStore adapts the package-level Postgres functions to the Store
// interface.
type SQLStore struct{}

// NewSQLStore requires InitDB and EnsureSchema to have run.
func NewSQLStore() *SQLStore {
	return &SQLStore{}
}

func (s *SQLStore) SaveTreasury(treasury types.Treasury) error {
	return SaveTreasury(treasury)
}

func (s *SQLStore) GetTreasury(treasuryID types.TreasuryID) (types.Treasury, error) {
	return GetTreasury(treasuryID)
}

func (s *SQLStore) ListTreasuries() ([]types.Treasury, error) {
	return ListTreasuries()
}

func (s *SQLStore) SaveRebalanceRecord(record types.RebalanceRecord, maxHistory int) (int64, error) {
	return SaveRebalanceRecord(record, maxHistory)
}

func (s *SQLStore) ListRebalanceRecords(treasuryID types.TreasuryID, limit int) ([]types.RebalanceRecord, error) {
	return ListRebalanceRecords(treasuryID, limit)
}

func (s *SQLStore) GetLastRebalanceRecord(treasuryID types.TreasuryID) (types.RebalanceRecord, error) {
	return GetLastRebalanceRecord(treasuryID)
}

func (s *SQLStore) IncrementCycleNumber() (int, error) {
	return IncrementCycleNumber()
}
