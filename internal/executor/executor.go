/*

This file contains the rebalance executor. It walks an allocation plan's
actions in order, drives each one through its protocol adapter with bounded
retries, and keeps the treasury's bookkeeping consistent with whatever
actually settled on chain. Execution is deliberately sequential per plan:
the ordering guarantee (sources before dependent deposits) only holds if
actions are not raced against each other.

*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

var (
	ErrNilPlan      = errors.New("plan is nil or empty")
	ErrPersistState = errors.New("failed to persist post-execution state")
)

// migratePartialError marks a Migrate whose withdraw leg settled before the
// deposit leg failed. The freed funds are real and must be booked idle.
type migratePartialError struct {
	err          error
	withdrawnUSD float64
	txHash       string
	gasUSD       float64
}

func (e *migratePartialError) Error() string { return e.err.Error() }
func (e *migratePartialError) Unwrap() error { return e.err }

// BalanceReader is the chain-truth balance source used for the compensating
// check before resubmitting to an adapter without idempotent request IDs.
type BalanceReader interface {
	GetBalance(ctx context.Context, chainAddress string) (float64, error)
}

// Executor runs allocation plans against the registered protocol adapters
// and persists both the updated treasury and the audit record before
// reporting the result upward.
type Executor struct {
	adapters *protocols.Set
	store    state.Store
	balances BalanceReader
	params   types.EngineParameters
}

func New(adapters *protocols.Set, store state.Store, balances BalanceReader, params types.EngineParameters) *Executor {
	return &Executor{
		adapters: adapters,
		store:    store,
		balances: balances,
		params:   params,
	}
}

// ExecutePlan runs every action of the plan in order. A transient failure
// retries with exponential backoff up to the configured attempt cap; a
// terminal failure stops the plan and marks all remaining actions
// COMPENSATED, leaving any freed funds idle for the next cycle to
// re-converge. The updated treasury and the rebalance record are saved
// before the call returns, whatever the outcome.
func (e *Executor) ExecutePlan(ctx context.Context, treasury types.Treasury, plan types.AllocationPlan, cycleNumber int) (types.RebalanceRecord, types.Treasury, error) {
	execLogger := logger.GetForTreasury("rebalance_executor", string(treasury.ID))

	if plan.IsEmpty() {
		return types.RebalanceRecord{}, treasury, ErrNilPlan
	}

	record := types.RebalanceRecord{
		TreasuryID:  treasury.ID,
		CycleNumber: cycleNumber,
		Plan:        plan,
		StartedAt:   time.Now(),
	}

	execLogger.Info().
		Str("planID", plan.PlanID).
		Int("actions", len(plan.Actions)).
		Bool("urgent", plan.Urgent).
		Msg("Executing allocation plan")

	aborted := false
	for i, action := range plan.Actions {
		if aborted {
			record.Outcomes = append(record.Outcomes, types.ActionOutcome{
				Action:    action,
				Status:    types.OutcomeCompensated,
				Timestamp: time.Now(),
			})
			continue
		}

		outcome := e.runAction(ctx, treasury, action, execLogger)
		record.Outcomes = append(record.Outcomes, outcome)
		record.TotalGasUSD += outcome.GasSpentUSD
		if outcome.TxHash != "" {
			record.TxHashes = append(record.TxHashes, outcome.TxHash)
		}

		if outcome.Status == types.OutcomeSucceeded {
			treasury = applyOutcome(treasury, action, outcome)
			continue
		}

		// A migrate that failed after its withdraw leg settled has freed
		// real funds. Book them idle so nothing goes untracked.
		if action.Type == types.ActionMigrate && outcome.ActualAmount > 0 {
			treasury.IdleBalance += outcome.ActualAmount
			treasury.Positions = adjustPosition(treasury.Positions, action.FromProtocol, -outcome.ActualAmount)
		}

		execLogger.Warn().
			Int("actionIndex", i).
			Str("type", string(action.Type)).
			Str("error", outcome.Error).
			Msg("Action failed, compensating remaining actions")
		aborted = true
	}

	record.Status = types.ExecutionSettled
	for _, outcome := range record.Outcomes {
		if outcome.Status != types.OutcomeSucceeded {
			record.Status = types.ExecutionPartiallySettled
			break
		}
	}
	// Every execution starts the cooldown clock, settled or not. A plan
	// whose first action fails terminally must still sit out the window
	// instead of being resubmitted every cycle.
	treasury.LastRebalancedAt = time.Now()
	record.FinishedAt = time.Now()

	// State and history are written before the result is reported; a crash
	// after this point loses nothing.
	if err := e.store.SaveTreasury(treasury); err != nil {
		return record, treasury, errors.Join(ErrPersistState, err)
	}
	if _, err := e.store.SaveRebalanceRecord(record, e.params.MaxHistoryPerTreasury); err != nil {
		return record, treasury, errors.Join(ErrPersistState, err)
	}

	execLogger.Info().
		Str("planID", plan.PlanID).
		Str("status", string(record.Status)).
		Float64("totalGasUSD", record.TotalGasUSD).
		Msg("Plan execution finished")

	return record, treasury, nil
}

// runAction executes one action with bounded retries for transient failures.
func (e *Executor) runAction(ctx context.Context, treasury types.Treasury, action types.Action, execLogger zerolog.Logger) types.ActionOutcome {
	outcome := types.ActionOutcome{Action: action, Timestamp: time.Now()}

	var (
		result *types.TxResult
		err    error
	)

	maxAttempts := e.params.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt

		result, err = e.dispatch(ctx, treasury, action)
		if err == nil {
			break
		}
		if !types.IsTransient(err) {
			// Reverts, slippage, and liquidity failures do not heal on
			// retry. Stop immediately.
			break
		}
		if attempt == maxAttempts {
			break
		}

		// A timed-out submission may still have landed. Unless the adapter
		// honors our request ID as an idempotency key, confirm against the
		// chain before sending the same value again.
		if settled, checkErr := e.compensatingCheck(ctx, treasury, action); checkErr != nil {
			err = errors.Join(err, checkErr)
			break
		} else if settled {
			execLogger.Warn().
				Str("requestID", action.RequestID).
				Msg("Previous attempt settled on chain despite the timeout, not resubmitting")
			result = &types.TxResult{Status: types.TxConfirmed, ActualAmountUSD: action.AmountUSD}
			err = nil
			break
		}

		backoff := time.Duration(e.params.BackoffBaseMs) * time.Millisecond << (attempt - 1)
		execLogger.Debug().
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("Transient failure, backing off before retry")

		select {
		case <-ctx.Done():
			err = errors.Join(types.ErrTimeout, ctx.Err())
		case <-time.After(backoff):
			continue
		}
		break
	}

	if err != nil {
		outcome.Status = types.OutcomeFailed
		outcome.Error = err.Error()
		var partial *migratePartialError
		if errors.As(err, &partial) {
			outcome.ActualAmount = partial.withdrawnUSD
			outcome.TxHash = partial.txHash
			outcome.GasSpentUSD = partial.gasUSD
		}
		return outcome
	}

	outcome.Status = types.OutcomeSucceeded
	outcome.TxHash = result.TxHash
	outcome.GasSpentUSD = result.GasSpentUSD
	outcome.ActualAmount = result.ActualAmountUSD
	if outcome.ActualAmount <= 0 {
		outcome.ActualAmount = action.AmountUSD
	}
	return outcome
}

// dispatch routes one action to its adapter(s). A Migrate runs as a
// withdraw leg then a deposit leg; if the deposit leg fails the withdrawn
// funds are already accounted idle by the caller's bookkeeping, so nothing
// is lost, only unallocated.
func (e *Executor) dispatch(ctx context.Context, treasury types.Treasury, action types.Action) (*types.TxResult, error) {
	switch action.Type {
	case types.ActionDeposit:
		adapter, err := e.adapters.Get(action.Protocol)
		if err != nil {
			return nil, err
		}
		return e.call(ctx, func(callCtx context.Context) (*types.TxResult, error) {
			return adapter.Deposit(callCtx, action.RequestID, treasury.ChainAddress, action.AmountUSD)
		}, adapter)

	case types.ActionWithdraw:
		adapter, err := e.adapters.Get(action.Protocol)
		if err != nil {
			return nil, err
		}
		return e.call(ctx, func(callCtx context.Context) (*types.TxResult, error) {
			return adapter.Withdraw(callCtx, action.RequestID, treasury.ChainAddress, action.AmountUSD)
		}, adapter)

	case types.ActionMigrate:
		source, err := e.adapters.Get(action.FromProtocol)
		if err != nil {
			return nil, err
		}
		destination, err := e.adapters.Get(action.ToProtocol)
		if err != nil {
			return nil, err
		}

		withdrawResult, err := e.call(ctx, func(callCtx context.Context) (*types.TxResult, error) {
			return source.Withdraw(callCtx, action.RequestID+":withdraw", treasury.ChainAddress, action.AmountUSD)
		}, source)
		if err != nil {
			return nil, fmt.Errorf("migrate withdraw leg from %s: %w", action.FromProtocol, err)
		}

		amount := withdrawResult.ActualAmountUSD
		if amount <= 0 {
			amount = action.AmountUSD
		}
		depositResult, err := e.call(ctx, func(callCtx context.Context) (*types.TxResult, error) {
			return destination.Deposit(callCtx, action.RequestID+":deposit", treasury.ChainAddress, amount)
		}, destination)
		if err != nil {
			return nil, &migratePartialError{
				err:          fmt.Errorf("migrate deposit leg to %s: %w", action.ToProtocol, err),
				withdrawnUSD: amount,
				txHash:       withdrawResult.TxHash,
				gasUSD:       withdrawResult.GasSpentUSD,
			}
		}

		return &types.TxResult{
			Status:          types.TxConfirmed,
			TxHash:          joinHashes(withdrawResult.TxHash, depositResult.TxHash),
			ActualAmountUSD: amount,
			GasSpentUSD:     withdrawResult.GasSpentUSD + depositResult.GasSpentUSD,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

// call bounds one adapter invocation by the configured timeout and resolves
// any PENDING result by polling the adapter until it settles or the bound
// expires.
func (e *Executor) call(ctx context.Context, invoke func(context.Context) (*types.TxResult, error), adapter protocols.Adapter) (*types.TxResult, error) {
	callCtx := ctx
	if e.params.AdapterTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(e.params.AdapterTimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := invoke(callCtx)
	if err != nil {
		return nil, err
	}

	pollInterval := time.Duration(e.params.PendingPollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for result.Status == types.TxPending {
		select {
		case <-ctx.Done():
			return nil, errors.Join(types.ErrTimeout, ctx.Err())
		case <-time.After(pollInterval):
		}

		polled, pollErr := adapter.PollPending(ctx, result.PendingHandle)
		if pollErr != nil {
			if types.IsTransient(pollErr) {
				continue
			}
			return nil, pollErr
		}
		result = polled
	}
	return result, nil
}

// compensatingCheck reports whether a timed-out action appears to have
// settled anyway, by comparing the wallet's chain balance against the move
// the action would have made. Adapters with deterministic request IDs never
// need it: resubmission is idempotent there.
func (e *Executor) compensatingCheck(ctx context.Context, treasury types.Treasury, action types.Action) (bool, error) {
	var adapter protocols.Adapter
	var err error
	switch action.Type {
	case types.ActionMigrate:
		// Both legs honor the request ID or neither does; check the source.
		adapter, err = e.adapters.Get(action.FromProtocol)
	default:
		adapter, err = e.adapters.Get(action.Protocol)
	}
	if err != nil {
		return false, err
	}
	if adapter.DeterministicRequests() {
		return false, nil
	}
	if e.balances == nil {
		return false, errors.New("cannot verify non-idempotent resubmission without a balance reader")
	}

	chainBalance, err := e.balances.GetBalance(ctx, treasury.ChainAddress)
	if err != nil {
		return false, fmt.Errorf("compensating balance check failed: %w", err)
	}

	tolerance := e.params.ReconcileToleranceUSD
	switch action.Type {
	case types.ActionDeposit:
		// A settled deposit drained the wallet by the action amount.
		return chainBalance <= treasury.IdleBalance-action.AmountUSD+tolerance, nil
	case types.ActionWithdraw:
		return chainBalance >= treasury.IdleBalance+action.AmountUSD-tolerance, nil
	default:
		// Migrations never touch the wallet; the chain balance cannot
		// distinguish settled from unsent. Do not resubmit.
		return false, errors.New("cannot verify migrate resubmission from wallet balance")
	}
}

// applyOutcome folds one settled action into the treasury's bookkeeping.
// The conservation law holds throughout: idle plus positions only changes
// by the gas already accounted in the record.
func applyOutcome(treasury types.Treasury, action types.Action, outcome types.ActionOutcome) types.Treasury {
	amount := outcome.ActualAmount
	switch action.Type {
	case types.ActionDeposit:
		treasury.IdleBalance -= amount
		treasury.Positions = adjustPosition(treasury.Positions, action.Protocol, amount)
	case types.ActionWithdraw:
		treasury.IdleBalance += amount
		treasury.Positions = adjustPosition(treasury.Positions, action.Protocol, -amount)
	case types.ActionMigrate:
		treasury.Positions = adjustPosition(treasury.Positions, action.FromProtocol, -amount)
		treasury.Positions = adjustPosition(treasury.Positions, action.ToProtocol, amount)
	}
	if treasury.IdleBalance < 0 {
		treasury.IdleBalance = 0
	}
	return treasury
}

// adjustPosition applies a signed delta to one protocol's position, creating
// or removing the entry as needed. Sub-cent residue is dropped.
func adjustPosition(positions []types.Position, protocol string, deltaUSD float64) []types.Position {
	for i := range positions {
		if positions[i].Protocol != protocol {
			continue
		}
		positions[i].AmountUSD += deltaUSD
		positions[i].LastRebalancedAt = time.Now()
		if positions[i].AmountUSD < 0.01 {
			return append(positions[:i], positions[i+1:]...)
		}
		return positions
	}
	if deltaUSD <= 0 {
		return positions
	}
	now := time.Now()
	return append(positions, types.Position{
		Protocol:         protocol,
		AmountUSD:        deltaUSD,
		EnteredAt:        now,
		LastRebalancedAt: now,
	})
}


func joinHashes(hashes ...string) string {
	nonEmpty := hashes[:0]
	for _, h := range hashes {
		if h != "" {
			nonEmpty = append(nonEmpty, h)
		}
	}
	return strings.Join(nonEmpty, ",")
}
