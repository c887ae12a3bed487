// ./internal/state/memory.go
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/webspoilt/yieldroute/internal/types"
)

// MemoryStore is an in-memory Store used in tests and dry runs. It applies
// the same retention semantics as the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	treasuries map[types.TreasuryID]types.Treasury
	records    map[types.TreasuryID][]types.RebalanceRecord
	nextID     int64
	cycle      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		treasuries: make(map[types.TreasuryID]types.Treasury),
		records:    make(map[types.TreasuryID][]types.RebalanceRecord),
	}
}

func (m *MemoryStore) SaveTreasury(treasury types.Treasury) error {
	if treasury.ID == "" {
		return fmt.Errorf("treasury ID is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Deep-enough copy: positions are the only shared slice.
	treasury.Positions = append([]types.Position(nil), treasury.Positions...)
	m.treasuries[treasury.ID] = treasury
	return nil
}

func (m *MemoryStore) GetTreasury(treasuryID types.TreasuryID) (types.Treasury, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	treasury, ok := m.treasuries[treasuryID]
	if !ok {
		return types.Treasury{}, fmt.Errorf("treasury %s: %w", treasuryID, ErrNotFound)
	}
	treasury.Positions = append([]types.Position(nil), treasury.Positions...)
	return treasury, nil
}

func (m *MemoryStore) ListTreasuries() ([]types.Treasury, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	treasuries := make([]types.Treasury, 0, len(m.treasuries))
	for _, t := range m.treasuries {
		t.Positions = append([]types.Position(nil), t.Positions...)
		treasuries = append(treasuries, t)
	}
	sort.Slice(treasuries, func(i, j int) bool { return treasuries[i].ID < treasuries[j].ID })
	return treasuries, nil
}

func (m *MemoryStore) SaveRebalanceRecord(record types.RebalanceRecord, maxHistory int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	record.RecordID = m.nextID

	history := append(m.records[record.TreasuryID], record)
	if maxHistory > 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	m.records[record.TreasuryID] = history
	return record.RecordID, nil
}

func (m *MemoryStore) ListRebalanceRecords(treasuryID types.TreasuryID, limit int) ([]types.RebalanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.records[treasuryID]

	// Newest first, matching the SQL ordering.
	records := make([]types.RebalanceRecord, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		records = append(records, history[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (m *MemoryStore) GetLastRebalanceRecord(treasuryID types.TreasuryID) (types.RebalanceRecord, error) {
	records, err := m.ListRebalanceRecords(treasuryID, 1)
	if err != nil {
		return types.RebalanceRecord{}, err
	}
	if len(records) == 0 {
		return types.RebalanceRecord{}, fmt.Errorf("no history for treasury %s: %w", treasuryID, ErrNotFound)
	}
	return records[0], nil
}

func (m *MemoryStore) IncrementCycleNumber() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycle++
	return m.cycle, nil
}
