package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

// scriptedAdapter lets each test dictate per-call results. Calls are
// recorded so tests can assert on retry counts and request IDs.
type scriptedAdapter struct {
	name          string
	deterministic bool

	depositResults  []scriptedResult
	withdrawResults []scriptedResult
	pollResults     []scriptedResult
	pollStuck       bool // report PENDING forever, for deadline tests

	depositCalls  []string // request IDs, in order
	withdrawCalls []string
	pollCalls     []string // pending handles, in order
}

type scriptedResult struct {
	result *types.TxResult
	err    error
}

func pendingResult(handle string) scriptedResult {
	return scriptedResult{result: &types.TxResult{
		Status:        types.TxPending,
		PendingHandle: handle,
	}}
}

func confirmed(txHash string, amount, gas float64) scriptedResult {
	return scriptedResult{result: &types.TxResult{
		Status:          types.TxConfirmed,
		TxHash:          txHash,
		ActualAmountUSD: amount,
		GasSpentUSD:     gas,
	}}
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Snapshot(ctx context.Context) (types.ProtocolSnapshot, error) {
	return types.ProtocolSnapshot{Protocol: a.name, RiskTier: types.RiskTierLow}, nil
}

func (a *scriptedAdapter) Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	a.depositCalls = append(a.depositCalls, requestID)
	return a.next(&a.depositResults)
}

func (a *scriptedAdapter) Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	a.withdrawCalls = append(a.withdrawCalls, requestID)
	return a.next(&a.withdrawResults)
}

func (a *scriptedAdapter) PollPending(ctx context.Context, handle string) (*types.TxResult, error) {
	a.pollCalls = append(a.pollCalls, handle)
	if a.pollStuck {
		return &types.TxResult{Status: types.TxPending, PendingHandle: handle}, nil
	}
	if len(a.pollResults) == 0 {
		return &types.TxResult{Status: types.TxConfirmed, TxHash: handle}, nil
	}
	return a.next(&a.pollResults)
}

func (a *scriptedAdapter) DeterministicRequests() bool { return a.deterministic }

func (a *scriptedAdapter) next(results *[]scriptedResult) (*types.TxResult, error) {
	if len(*results) == 0 {
		return nil, fmt.Errorf("adapter %s: no scripted result left", a.name)
	}
	r := (*results)[0]
	*results = (*results)[1:]
	return r.result, r.err
}

func execParams() types.EngineParameters {
	return types.EngineParameters{
		MaxAttempts:           3,
		BackoffBaseMs:         1,
		AdapterTimeoutSeconds: 5,
		PendingPollIntervalMs: 1,
		ReconcileToleranceUSD: 1,
		MaxHistoryPerTreasury: 50,
	}
}

func plan(treasuryID types.TreasuryID, actions ...types.Action) types.AllocationPlan {
	for i := range actions {
		actions[i].RequestID = fmt.Sprintf("req-%d", i)
	}
	return types.AllocationPlan{
		PlanID:     "plan-1",
		TreasuryID: treasuryID,
		Actions:    actions,
		CreatedAt:  time.Now(),
	}
}

func TestExecutePlan_AllActionsSettle(t *testing.T) {
	adapterA := &scriptedAdapter{
		name:            "proto-a",
		deterministic:   true,
		withdrawResults: []scriptedResult{confirmed("0xwithdraw", 100, 1.5)},
	}
	adapterB := &scriptedAdapter{
		name:           "proto-b",
		deterministic:  true,
		depositResults: []scriptedResult{confirmed("0xdeposit", 100, 2.0)},
	}
	set, err := protocols.NewSet(adapterA, adapterB)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  50,
		Positions: []types.Position{
			{Protocol: "proto-a", AmountUSD: 200},
		},
	}

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionWithdraw, Protocol: "proto-a", AmountUSD: 100},
		types.Action{Type: types.ActionDeposit, Protocol: "proto-b", AmountUSD: 100},
	), 7)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionSettled, record.Status)
	assert.Equal(t, 7, record.CycleNumber)
	assert.Equal(t, []string{"0xwithdraw", "0xdeposit"}, record.TxHashes)
	assert.InDelta(t, 3.5, record.TotalGasUSD, 1e-9)
	assert.False(t, updated.LastRebalancedAt.IsZero())

	assert.InDelta(t, 50, updated.IdleBalance, 1e-9)
	posA, ok := updated.FindPosition("proto-a")
	require.True(t, ok)
	assert.InDelta(t, 100, posA.AmountUSD, 1e-9)
	posB, ok := updated.FindPosition("proto-b")
	require.True(t, ok)
	assert.InDelta(t, 100, posB.AmountUSD, 1e-9)

	// Both the treasury and the record hit the store before return.
	persisted, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	assert.InDelta(t, updated.IdleBalance, persisted.IdleBalance, 1e-9)
	last, err := store.GetLastRebalanceRecord("treasury-1")
	require.NoError(t, err)
	assert.Equal(t, record.Status, last.Status)
}

func TestExecutePlan_TransientFailureRetriesThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{
		name:          "proto-a",
		deterministic: true,
		withdrawResults: []scriptedResult{
			{err: types.ErrTimeout},
			{err: types.ErrOracleUnavailable},
			confirmed("0xfinal", 100, 1),
		},
	}
	set, err := protocols.NewSet(adapter)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 150}},
	}

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionWithdraw, Protocol: "proto-a", AmountUSD: 100},
	), 1)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionSettled, record.Status)
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, 3, record.Outcomes[0].Attempts)
	assert.InDelta(t, 100, updated.IdleBalance, 1e-9)

	// The idempotency key must not change between attempts.
	require.Len(t, adapter.withdrawCalls, 3)
	assert.Equal(t, adapter.withdrawCalls[0], adapter.withdrawCalls[1])
	assert.Equal(t, adapter.withdrawCalls[1], adapter.withdrawCalls[2])
}

func TestExecutePlan_TerminalFailureCompensatesRemainder(t *testing.T) {
	adapterA := &scriptedAdapter{
		name:            "proto-a",
		deterministic:   true,
		withdrawResults: []scriptedResult{confirmed("0xfreed", 100, 1)},
	}
	adapterB := &scriptedAdapter{
		name:           "proto-b",
		deterministic:  true,
		depositResults: []scriptedResult{{err: types.ErrReverted}},
	}
	adapterC := &scriptedAdapter{name: "proto-c", deterministic: true}
	set, err := protocols.NewSet(adapterA, adapterB, adapterC)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  20,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 300}},
	}
	totalBefore := treasury.TotalBalance()

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionWithdraw, Protocol: "proto-a", AmountUSD: 100},
		types.Action{Type: types.ActionDeposit, Protocol: "proto-b", AmountUSD: 80},
		types.Action{Type: types.ActionDeposit, Protocol: "proto-c", AmountUSD: 40},
	), 2)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPartiallySettled, record.Status)
	require.Len(t, record.Outcomes, 3)
	assert.Equal(t, types.OutcomeSucceeded, record.Outcomes[0].Status)
	assert.Equal(t, types.OutcomeFailed, record.Outcomes[1].Status)
	assert.Contains(t, record.Outcomes[1].Error, types.ErrReverted.Error())
	assert.Equal(t, types.OutcomeCompensated, record.Outcomes[2].Status)

	// Reverts do not retry.
	assert.Equal(t, 1, record.Outcomes[1].Attempts)
	assert.Empty(t, adapterC.depositCalls, "compensated actions never reach an adapter")

	// The freed withdrawal stays idle; nothing is lost, only unallocated.
	assert.InDelta(t, 120, updated.IdleBalance, 1e-9)
	_, hasB := updated.FindPosition("proto-b")
	assert.False(t, hasB)
	assert.InDelta(t, totalBefore, updated.TotalBalance(), 1e-9,
		"idle plus positions is conserved through a partial settlement")
}

func TestExecutePlan_MigrateMovesFundsPoolToPool(t *testing.T) {
	adapterA := &scriptedAdapter{
		name:            "proto-a",
		deterministic:   true,
		withdrawResults: []scriptedResult{confirmed("0xout", 250, 1)},
	}
	adapterB := &scriptedAdapter{
		name:           "proto-b",
		deterministic:  true,
		depositResults: []scriptedResult{confirmed("0xin", 250, 1)},
	}
	set, err := protocols.NewSet(adapterA, adapterB)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  10,
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 250}},
	}

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionMigrate, FromProtocol: "proto-a", ToProtocol: "proto-b", AmountUSD: 250},
	), 3)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionSettled, record.Status)
	assert.InDelta(t, 10, updated.IdleBalance, 1e-9, "migrations never touch the idle balance")
	_, hasA := updated.FindPosition("proto-a")
	assert.False(t, hasA, "fully migrated position is removed")
	posB, ok := updated.FindPosition("proto-b")
	require.True(t, ok)
	assert.InDelta(t, 250, posB.AmountUSD, 1e-9)

	// Each leg carries its own suffix on the shared request ID.
	require.Len(t, adapterA.withdrawCalls, 1)
	require.Len(t, adapterB.depositCalls, 1)
	assert.Contains(t, adapterA.withdrawCalls[0], ":withdraw")
	assert.Contains(t, adapterB.depositCalls[0], ":deposit")
}

func TestExecutePlan_MigrateDepositLegFailureBooksFundsIdle(t *testing.T) {
	adapterA := &scriptedAdapter{
		name:            "proto-a",
		deterministic:   true,
		withdrawResults: []scriptedResult{confirmed("0xout", 250, 1)},
	}
	adapterB := &scriptedAdapter{
		name:           "proto-b",
		deterministic:  true,
		depositResults: []scriptedResult{{err: types.ErrInsufficientLiquidity}},
	}
	set, err := protocols.NewSet(adapterA, adapterB)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		Positions:    []types.Position{{Protocol: "proto-a", AmountUSD: 250}},
	}
	totalBefore := treasury.TotalBalance()

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionMigrate, FromProtocol: "proto-a", ToProtocol: "proto-b", AmountUSD: 250},
	), 4)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPartiallySettled, record.Status)
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, types.OutcomeFailed, record.Outcomes[0].Status)

	// The withdraw leg settled, so the funds sit idle, not in either pool.
	assert.InDelta(t, 250, updated.IdleBalance, 1e-9)
	_, hasA := updated.FindPosition("proto-a")
	assert.False(t, hasA)
	_, hasB := updated.FindPosition("proto-b")
	assert.False(t, hasB)
	assert.InDelta(t, totalBefore, updated.TotalBalance(), 1e-9)
}

func TestExecutePlan_FailedExecutionStartsCooldownClock(t *testing.T) {
	adapter := &scriptedAdapter{
		name:           "proto-a",
		deterministic:  true,
		depositResults: []scriptedResult{{err: types.ErrReverted}},
	}
	set, err := protocols.NewSet(adapter)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{ID: "treasury-1", ChainAddress: "0xwallet", IdleBalance: 500}

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionDeposit, Protocol: "proto-a", AmountUSD: 200},
	), 1)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPartiallySettled, record.Status)
	assert.False(t, updated.LastRebalancedAt.IsZero(),
		"an execution with zero successes still starts the cooldown window")

	persisted, err := store.GetTreasury("treasury-1")
	require.NoError(t, err)
	assert.False(t, persisted.LastRebalancedAt.IsZero())
}

func TestExecutePlan_PendingResultIsPolledToSettlement(t *testing.T) {
	adapter := &scriptedAdapter{
		name:           "proto-a",
		deterministic:  true,
		depositResults: []scriptedResult{pendingResult("h-1")},
		pollResults: []scriptedResult{
			pendingResult("h-2"),
			{err: types.ErrOracleUnavailable}, // transient: keep polling
			confirmed("0xsettled", 200, 1.5),
		},
	}
	set, err := protocols.NewSet(adapter)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	treasury := types.Treasury{ID: "treasury-1", ChainAddress: "0xwallet", IdleBalance: 500}

	exec := New(set, store, nil, execParams())
	record, updated, err := exec.ExecutePlan(context.Background(), treasury, plan("treasury-1",
		types.Action{Type: types.ActionDeposit, Protocol: "proto-a", AmountUSD: 200},
	), 1)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionSettled, record.Status)
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, types.OutcomeSucceeded, record.Outcomes[0].Status)
	assert.Equal(t, "0xsettled", record.Outcomes[0].TxHash)

	// The handle rotates on the first poll and is carried through the
	// transient poll failure.
	assert.Equal(t, []string{"h-1", "h-2", "h-2"}, adapter.pollCalls)

	posA, ok := updated.FindPosition("proto-a")
	require.True(t, ok)
	assert.InDelta(t, 200, posA.AmountUSD, 1e-9)
}

func TestExecutePlan_PendingPollDeadlineClassifiesAsTimeout(t *testing.T) {
	adapter := &scriptedAdapter{
		name:           "proto-a",
		deterministic:  true,
		depositResults: []scriptedResult{pendingResult("h-1")},
		pollStuck:      true,
	}
	set, err := protocols.NewSet(adapter)
	require.NoError(t, err)

	params := execParams()
	params.MaxAttempts = 1

	store := state.NewMemoryStore()
	treasury := types.Treasury{ID: "treasury-1", ChainAddress: "0xwallet", IdleBalance: 500}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	exec := New(set, store, nil, params)
	record, updated, err := exec.ExecutePlan(ctx, treasury, plan("treasury-1",
		types.Action{Type: types.ActionDeposit, Protocol: "proto-a", AmountUSD: 200},
	), 1)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPartiallySettled, record.Status)
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, types.OutcomeFailed, record.Outcomes[0].Status)
	assert.Contains(t, record.Outcomes[0].Error, types.ErrTimeout.Error())

	// A never-settling transaction moves no tracked funds.
	_, ok := updated.FindPosition("proto-a")
	assert.False(t, ok)
	assert.InDelta(t, 500, updated.IdleBalance, 1e-9)
}

func TestExecutePlan_EmptyPlanIsRejected(t *testing.T) {
	adapter := &scriptedAdapter{name: "proto-a", deterministic: true}
	set, err := protocols.NewSet(adapter)
	require.NoError(t, err)

	exec := New(set, state.NewMemoryStore(), nil, execParams())
	_, _, err = exec.ExecutePlan(context.Background(), types.Treasury{ID: "treasury-1"},
		types.AllocationPlan{PlanID: "empty"}, 1)
	assert.ErrorIs(t, err, ErrNilPlan)
}
