package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webspoilt/yieldroute/internal/types"
)

func TestMemoryStore_TreasuryRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xabc",
		IdleBalance:  1_000,
		ReserveRatio: 0.10,
		Positions: []types.Position{
			{Protocol: "aave-v3", AmountUSD: 5_000},
		},
	}
	require.NoError(t, store.SaveTreasury(treasury))

	loaded, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	assert.Equal(t, treasury.ChainAddress, loaded.ChainAddress)
	require.Len(t, loaded.Positions, 1)

	// Mutating the loaded copy must not leak back into the store.
	loaded.Positions[0].AmountUSD = 0
	again, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	assert.Equal(t, 5_000.0, again.Positions[0].AmountUSD)
}

func TestMemoryStore_GetTreasuryNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetTreasury("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_HistoryRetention(t *testing.T) {
	store := NewMemoryStore()
	const maxHistory = 3

	for i := 0; i < 5; i++ {
		record := types.RebalanceRecord{
			TreasuryID:  "treasury-1",
			CycleNumber: i + 1,
			Status:      types.ExecutionSettled,
			Plan:        types.AllocationPlan{PlanID: fmt.Sprintf("plan-%d", i+1)},
			StartedAt:   time.Now(),
			FinishedAt:  time.Now(),
		}
		_, err := store.SaveRebalanceRecord(record, maxHistory)
		require.NoError(t, err)
	}

	records, err := store.ListRebalanceRecords("treasury-1", 0)
	require.NoError(t, err)
	require.Len(t, records, maxHistory, "oldest records beyond the cap are pruned")

	// Newest first.
	assert.Equal(t, 5, records[0].CycleNumber)
	assert.Equal(t, 3, records[2].CycleNumber)

	last, err := store.GetLastRebalanceRecord("treasury-1")
	require.NoError(t, err)
	assert.Equal(t, 5, last.CycleNumber)
}

func TestMemoryStore_CycleCounterIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	for want := 1; want <= 4; want++ {
		got, err := store.IncrementCycleNumber()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
