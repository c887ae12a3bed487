package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webspoilt/yieldroute/internal/lock"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

// autoAdapter confirms every deposit/withdraw instantly and serves a fixed
// snapshot. Good enough to drive full cycles without external services.
type autoAdapter struct {
	snap types.ProtocolSnapshot
}

func newAutoAdapter(protocol string, apy float64, tier types.RiskTier) *autoAdapter {
	return &autoAdapter{snap: types.ProtocolSnapshot{
		Protocol:           protocol,
		APY:                apy,
		AvailableLiquidity: 1_000_000,
		Utilization:        0.5,
		DepositGasUSD:      2,
		WithdrawGasUSD:     2,
		RiskTier:           tier,
		FetchedAt:          time.Now(),
	}}
}

func (a *autoAdapter) Name() string { return a.snap.Protocol }

func (a *autoAdapter) Snapshot(ctx context.Context) (types.ProtocolSnapshot, error) {
	return a.snap, nil
}

func (a *autoAdapter) Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return &types.TxResult{
		Status:          types.TxConfirmed,
		TxHash:          fmt.Sprintf("0x%s-%s", a.snap.Protocol, requestID),
		ActualAmountUSD: amountUSD,
		GasSpentUSD:     a.snap.DepositGasUSD,
	}, nil
}

func (a *autoAdapter) Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return &types.TxResult{
		Status:          types.TxConfirmed,
		TxHash:          fmt.Sprintf("0x%s-%s", a.snap.Protocol, requestID),
		ActualAmountUSD: amountUSD,
		GasSpentUSD:     a.snap.WithdrawGasUSD,
	}, nil
}

func (a *autoAdapter) PollPending(ctx context.Context, handle string) (*types.TxResult, error) {
	return &types.TxResult{Status: types.TxConfirmed, TxHash: handle}, nil
}

func (a *autoAdapter) DeterministicRequests() bool { return true }

// revertingAdapter serves the same snapshots as autoAdapter but every
// mutation terminally reverts.
type revertingAdapter struct {
	*autoAdapter
}

func (a *revertingAdapter) Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return nil, types.ErrReverted
}

func (a *revertingAdapter) Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return nil, types.ErrReverted
}

// fixedBalance reports the same chain total for every wallet.
type fixedBalance struct {
	totalUSD float64
}

func (f *fixedBalance) GetBalance(ctx context.Context, chainAddress string) (float64, error) {
	return f.totalUSD, nil
}

func engineParams() types.EngineParameters {
	return types.EngineParameters{
		PollIntervalSeconds:        300,
		CooldownSeconds:            1800,
		MaxWorkers:                 4,
		DefaultReserveRatio:        0.10,
		MinMoveSizeUSD:             100,
		AmortizationHorizonSeconds: 30 * 24 * 3600,
		MinAPYImprovement:          0.005,
		RiskPenaltyLow:             0.05,
		RiskPenaltyMedium:          0.20,
		RiskPenaltyHigh:            0.40,
		LiquiditySafetyMultiple:    4.0,
		MaxAttempts:                3,
		BackoffBaseMs:              1,
		AdapterTimeoutSeconds:      5,
		PendingPollIntervalMs:      1,
		LockLeaseSeconds:           60,
		ReconcileToleranceUSD:      1,
		MaxHistoryPerTreasury:      50,
	}
}

func newTestEngine(t *testing.T, store state.Store, balance float64, params types.EngineParameters) *Engine {
	t.Helper()
	set, err := protocols.NewSet(
		newAutoAdapter("proto-a", 0.04, types.RiskTierLow),
		newAutoAdapter("proto-b", 0.09, types.RiskTierHigh),
	)
	require.NoError(t, err)

	eng, err := New(Config{
		Adapters: set,
		Store:    store,
		Balances: &fixedBalance{totalUSD: balance},
		Locks:    lock.NewMemoryManager(),
		Params:   params,
	})
	require.NoError(t, err)
	return eng
}

func TestRunCycle_RoutesIdleFundsByScore(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  10_000,
		ReserveRatio: 0.10,
	}))

	eng := newTestEngine(t, store, 10_000, engineParams())
	eng.RunCycle(context.Background())

	treasury, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)

	assert.InDelta(t, 1_000, treasury.IdleBalance, 0.01, "the reserve floor stays liquid")
	posA, ok := treasury.FindPosition("proto-a")
	require.True(t, ok)
	assert.InDelta(t, 3_717.39, posA.AmountUSD, 0.01)
	posB, ok := treasury.FindPosition("proto-b")
	require.True(t, ok)
	assert.InDelta(t, 5_282.61, posB.AmountUSD, 0.01)

	record, err := store.GetLastRebalanceRecord("treasury-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionSettled, record.Status)
	assert.False(t, treasury.LastRebalancedAt.IsZero())
}

func TestRunCycle_DoesNotThrashOnStableInputs(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  10_000,
		ReserveRatio: 0.10,
	}))

	params := engineParams()
	params.CooldownSeconds = 0 // Force a real replan, not a cooldown skip.
	eng := newTestEngine(t, store, 10_000, params)

	eng.RunCycle(context.Background())
	first, err := store.ListRebalanceRecords("treasury-1", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Identical market data again: the allocation is already optimal, so no
	// plan is produced and no history is written.
	eng.RunCycle(context.Background())
	second, err := store.ListRebalanceRecords("treasury-1", 0)
	require.NoError(t, err)
	assert.Len(t, second, 1, "a converged treasury must not be rebalanced again")
}

func TestRunCycle_FailedExecutionEntersCooldown(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  10_000,
		ReserveRatio: 0.10,
	}))

	set, err := protocols.NewSet(
		&revertingAdapter{newAutoAdapter("proto-a", 0.04, types.RiskTierLow)},
		&revertingAdapter{newAutoAdapter("proto-b", 0.09, types.RiskTierHigh)},
	)
	require.NoError(t, err)

	eng, err := New(Config{
		Adapters: set,
		Store:    store,
		Balances: &fixedBalance{totalUSD: 10_000},
		Locks:    lock.NewMemoryManager(),
		Params:   engineParams(),
	})
	require.NoError(t, err)

	eng.RunCycle(context.Background())
	records, err := store.ListRebalanceRecords("treasury-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.ExecutionPartiallySettled, records[0].Status)

	// The failed execution opened the cooldown window: the next cycle must
	// not resubmit the same doomed plan.
	eng.RunCycle(context.Background())
	records, err = store.ListRebalanceRecords("treasury-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "a treasury is executed at most once per cooldown window")
}

func TestRunCycle_CooldownSkipsRecentlyRebalanced(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:               "treasury-1",
		ChainAddress:     "0xwallet",
		IdleBalance:      10_000,
		ReserveRatio:     0.10,
		LastRebalancedAt: time.Now().Add(-time.Minute),
	}))

	eng := newTestEngine(t, store, 10_000, engineParams())
	eng.RunCycle(context.Background())

	treasury, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	assert.InDelta(t, 10_000, treasury.IdleBalance, 1e-9,
		"a treasury inside its cooldown window is left alone")
}

func TestRunCycle_ResyncsFromChainOnDrift(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  10_000,
		ReserveRatio: 0.10,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 2_000}},
	}))

	// Chain reports $13,000 against $12,000 of internal bookkeeping.
	eng := newTestEngine(t, store, 13_000, engineParams())
	eng.RunCycle(context.Background())

	treasury, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)

	// Chain wins: idle = chain total minus tracked positions, before any
	// plan is applied on top.
	deposited := 0.0
	for _, pos := range treasury.Positions {
		deposited += pos.AmountUSD
	}
	assert.InDelta(t, 13_000, treasury.IdleBalance+deposited, 0.01,
		"post-cycle bookkeeping reflects the chain-observed total")
}

func TestRequestLiquidity_IdleBalanceCovers(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  6_000,
	}))

	eng := newTestEngine(t, store, 6_000, engineParams())
	result, err := eng.RequestLiquidity(context.Background(), "treasury-1", 5_000)
	require.NoError(t, err)

	assert.True(t, result.ImmediatelyAvailable)
	assert.InDelta(t, 6_000, result.IdleBalanceUSD, 1e-9)

	// No positions were touched, so nothing hit the history either.
	_, err = store.GetLastRebalanceRecord("treasury-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestRequestLiquidity_UnwindsPositionsDespiteCooldown(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  1_000,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 8_000}},
		// Mid-cooldown: urgent requests must not wait it out.
		LastRebalancedAt: time.Now(),
	}))

	eng := newTestEngine(t, store, 9_000, engineParams())
	result, err := eng.RequestLiquidity(context.Background(), "treasury-1", 5_000)
	require.NoError(t, err)

	assert.False(t, result.ImmediatelyAvailable)
	assert.InDelta(t, 4_000, result.FreedUSD, 0.01)
	assert.InDelta(t, 5_000, result.IdleBalanceUSD, 0.01)
	assert.Zero(t, result.ShortfallUSD)

	treasury, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	posA, ok := treasury.FindPosition("proto-a")
	require.True(t, ok)
	assert.InDelta(t, 4_000, posA.AmountUSD, 0.01)

	record, err := store.GetLastRebalanceRecord("treasury-1")
	require.NoError(t, err)
	assert.True(t, record.Plan.Urgent)
}

func TestRequestLiquidity_QueuesBehindHeldLease(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  1_000,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 8_000}},
	}))

	locks := lock.NewMemoryManager()
	set, err := protocols.NewSet(
		newAutoAdapter("proto-a", 0.04, types.RiskTierLow),
		newAutoAdapter("proto-b", 0.09, types.RiskTierHigh),
	)
	require.NoError(t, err)

	eng, err := New(Config{
		Adapters: set,
		Store:    store,
		Balances: &fixedBalance{totalUSD: 9_000},
		Locks:    locks,
		Params:   engineParams(),
	})
	require.NoError(t, err)

	held, err := locks.Acquire(context.Background(), "treasury-1", time.Minute)
	require.NoError(t, err)

	result, err := eng.RequestLiquidity(context.Background(), "treasury-1", 5_000)
	require.NoError(t, err, "a busy treasury answers with an estimate, never an error")
	assert.False(t, result.ImmediatelyAvailable)
	require.NotNil(t, result.FulfilledBy)
	assert.True(t, result.FulfilledBy.After(time.Now()),
		"the estimate covers the holder finishing plus the unwind itself")

	// Once the holder releases, the queued request is served without any
	// further caller involvement.
	held.Release()
	require.Eventually(t, func() bool {
		treasury, err := store.GetTreasury("treasury-1")
		return err == nil && treasury.IdleBalance >= 5_000
	}, 3*time.Second, 5*time.Millisecond)

	record, err := store.GetLastRebalanceRecord("treasury-1")
	require.NoError(t, err)
	assert.True(t, record.Plan.Urgent)
}

func TestRequestLiquidity_ReportsShortfallWhenUnderfunded(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  500,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 1_500}},
	}))

	eng := newTestEngine(t, store, 2_000, engineParams())
	result, err := eng.RequestLiquidity(context.Background(), "treasury-1", 10_000)
	require.NoError(t, err)

	assert.False(t, result.ImmediatelyAvailable)
	assert.InDelta(t, 2_000, result.IdleBalanceUSD, 0.01, "everything the treasury has is freed")
	assert.InDelta(t, 8_000, result.ShortfallUSD, 0.01)
}

func TestTreasuryPhase_DefaultsToIdle(t *testing.T) {
	eng := newTestEngine(t, state.NewMemoryStore(), 0, engineParams())
	assert.Equal(t, PhaseIdle, eng.TreasuryPhase("never-seen"))
}
