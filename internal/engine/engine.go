/*

This file contains the yield routing engine core: the control loop that
periodically re-evaluates every managed treasury, plus the synchronous
urgent-liquidity path that merchant payouts ride on. Each treasury moves
through IDLE -> PLANNING -> EXECUTING per cycle, guarded by a distributed
execution lease so concurrent engine instances never race on one treasury.

*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/webspoilt/yieldroute/internal/executor"
	"github.com/webspoilt/yieldroute/internal/lock"
	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/planner"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/scorer"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

const (
	DEFAULT_PARAMS_CONFIG_NAME    = "default_routing_strategy"
	DEFAULT_PARAMS_CONFIG_VERSION = 1
)

// Phase is where one treasury currently sits in the rebalancing lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhasePlanning  Phase = "PLANNING"
	PhaseExecuting Phase = "EXECUTING"
)

// BalanceReader is the chain-truth total balance source used for
// reconciliation before planning.
type BalanceReader interface {
	GetBalance(ctx context.Context, chainAddress string) (float64, error)
}

// Engine represents the yield routing engine with all its dependencies.
type Engine struct {
	logger   zerolog.Logger
	adapters *protocols.Set
	store    state.Store
	balances BalanceReader
	locks    lock.Manager
	exec     *executor.Executor
	params   types.EngineParameters

	mu     sync.RWMutex
	phases map[types.TreasuryID]Phase

	// Urgent requests against a treasury whose lease is held elsewhere are
	// coalesced here and served by one drainer goroutine per treasury as
	// soon as the lease frees.
	urgentMu      sync.Mutex
	queuedUrgent  map[types.TreasuryID]float64
	urgentDrainer map[types.TreasuryID]bool
}

// Config holds the configuration for creating a new Engine instance.
type Config struct {
	Adapters *protocols.Set
	Store    state.Store
	Balances BalanceReader
	Locks    lock.Manager
	Params   types.EngineParameters
}

// New creates a new Engine instance with dependency injection.
func New(cfg Config) (*Engine, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, fmt.Errorf("engine configuration validation failed: %w", err)
	}

	e := &Engine{
		logger:   logger.GetForComponent("engine_core"),
		adapters: cfg.Adapters,
		store:    cfg.Store,
		balances: cfg.Balances,
		locks:    cfg.Locks,
		exec:     executor.New(cfg.Adapters, cfg.Store, cfg.Balances, cfg.Params),
		params:   cfg.Params,
		phases:   make(map[types.TreasuryID]Phase),

		queuedUrgent:  make(map[types.TreasuryID]float64),
		urgentDrainer: make(map[types.TreasuryID]bool),
	}

	e.logger.Info().
		Strs("protocols", cfg.Adapters.Names()).
		Int("maxWorkers", cfg.Params.MaxWorkers).
		Msg("Engine instance created successfully with dependency injection")
	return e, nil
}

func validateEngineConfig(cfg Config) error {
	if cfg.Adapters == nil {
		return fmt.Errorf("adapter set cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("state store cannot be nil")
	}
	if cfg.Balances == nil {
		return fmt.Errorf("balance reader cannot be nil")
	}
	if cfg.Locks == nil {
		return fmt.Errorf("lock manager cannot be nil")
	}
	if cfg.Params.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if cfg.Params.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	return nil
}

// TreasuryPhase reports where a treasury currently is in the lifecycle.
func (e *Engine) TreasuryPhase(treasuryID types.TreasuryID) Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if phase, ok := e.phases[treasuryID]; ok {
		return phase
	}
	return PhaseIdle
}

func (e *Engine) setPhase(treasuryID types.TreasuryID, phase Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phases[treasuryID] = phase
}

// RunLoop starts the main engine loop. It blocks until ctx is cancelled.
func (e *Engine) RunLoop(ctx context.Context) {
	interval := time.Duration(e.params.PollIntervalSeconds) * time.Second
	e.logger.Info().
		Dur("interval", interval).
		Msg("Starting engine main loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run first cycle immediately
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine loop stopped due to context cancellation")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle executes one complete planning pass over every managed treasury.
// Treasuries are independent, so they run concurrently on a bounded worker
// pool; one treasury's failure never aborts the others.
func (e *Engine) RunCycle(ctx context.Context) {
	cycleStartTime := time.Now()

	// Unique cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := e.logger.With().Str("cycle_id", cycleID).Logger()

	cycleLogger.Info().Msg("--- Starting Rebalance Cycle ---")

	cycleNumber, err := e.store.IncrementCycleNumber()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to increment cycle counter.")
		return
	}
	cycleLogger.Info().Int("cycleNumber", cycleNumber).Msg("Cycle counter advanced")

	// --- Step 1: Snapshot every protocol once, shared by all treasuries ---
	cycleLogger.Info().Msg("Step 1: Fetching protocol snapshots...")
	snapshots, err := e.adapters.SnapshotAll(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: No protocol snapshots available.")
		return
	}
	cycleLogger.Info().Int("protocols", len(snapshots)).Msg("Step 1: Snapshot fetching complete.")

	// --- Step 2: Load managed treasuries ---
	cycleLogger.Info().Msg("Step 2: Loading managed treasuries...")
	treasuries, err := e.store.ListTreasuries()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to list treasuries.")
		return
	}
	if len(treasuries) == 0 {
		cycleLogger.Info().Msg("No treasuries under management. Nothing to do.")
		return
	}
	cycleLogger.Info().Int("treasuries", len(treasuries)).Msg("Step 2: Treasuries loaded.")

	// --- Step 3: Plan and execute per treasury on the worker pool ---
	cycleLogger.Info().Msg("Step 3: Planning and executing per treasury...")
	var g errgroup.Group
	g.SetLimit(e.params.MaxWorkers)
	for _, treasury := range treasuries {
		g.Go(func() error {
			e.processTreasury(ctx, treasury, snapshots, cycleNumber, cycleLogger)
			return nil
		})
	}
	_ = g.Wait()

	cycleLogger.Info().
		Dur("elapsed", time.Since(cycleStartTime)).
		Msg("--- Rebalance Cycle Complete ---")
}

// processTreasury runs the full pipeline for one treasury: cooldown check,
// lease, reconciliation, scoring, planning, execution. Any failure is logged
// and the treasury is retried next cycle.
func (e *Engine) processTreasury(ctx context.Context, treasury types.Treasury, snapshots map[string]types.ProtocolSnapshot, cycleNumber int, cycleLogger zerolog.Logger) {
	treasuryLogger := cycleLogger.With().Str("treasury_id", string(treasury.ID)).Logger()

	// Hysteresis: a recently rebalanced treasury sits out non-urgent cycles.
	cooldown := time.Duration(e.params.CooldownSeconds) * time.Second
	if !treasury.LastRebalancedAt.IsZero() && time.Since(treasury.LastRebalancedAt) < cooldown {
		treasuryLogger.Debug().
			Time("lastRebalancedAt", treasury.LastRebalancedAt).
			Msg("Treasury in cooldown, skipping this cycle")
		return
	}

	lease, err := e.locks.Acquire(ctx, string(treasury.ID), e.leaseTTL())
	if err != nil {
		if errors.Is(err, lock.ErrLeaseHeld) {
			treasuryLogger.Debug().Msg("Execution lease held elsewhere, skipping")
		} else {
			treasuryLogger.Error().Err(err).Msg("Failed to acquire execution lease")
		}
		return
	}
	defer lease.Release()

	e.setPhase(treasury.ID, PhasePlanning)
	defer e.setPhase(treasury.ID, PhaseIdle)

	treasury, drifted, err := e.reconcile(ctx, treasury, treasuryLogger)
	if err != nil {
		treasuryLogger.Error().Err(err).Msg("Reconciliation failed, skipping treasury this cycle")
		return
	}
	if drifted {
		if err := e.store.SaveTreasury(treasury); err != nil {
			treasuryLogger.Error().Err(err).Msg("Failed to persist reconciled treasury")
			return
		}
	}

	plan, err := e.buildPlan(treasury, snapshots, treasuryLogger)
	if err != nil || plan.IsEmpty() {
		return
	}

	e.setPhase(treasury.ID, PhaseExecuting)
	if err := lease.Refresh(ctx, e.leaseTTL()); err != nil {
		treasuryLogger.Warn().Err(err).Msg("Lost execution lease before executing, aborting")
		return
	}

	record, _, err := e.exec.ExecutePlan(ctx, treasury, plan, cycleNumber)
	if err != nil {
		treasuryLogger.Error().Err(err).Msg("Plan execution failed to persist results")
		return
	}
	treasuryLogger.Info().
		Str("status", string(record.Status)).
		Float64("totalGasUSD", record.TotalGasUSD).
		Msg("Treasury processed")
}

// buildPlan scores the cycle's snapshots for this treasury and produces its
// allocation plan. An empty plan is a normal outcome, not an error.
func (e *Engine) buildPlan(treasury types.Treasury, snapshots map[string]types.ProtocolSnapshot, treasuryLogger zerolog.Logger) (types.AllocationPlan, error) {
	reserveRatio := treasury.ReserveRatio
	if reserveRatio <= 0 {
		reserveRatio = e.params.DefaultReserveRatio
	}
	investable := treasury.TotalBalance() * (1 - reserveRatio)

	openPositions := make(map[string]float64, len(treasury.Positions))
	for _, pos := range treasury.Positions {
		openPositions[pos.Protocol] = pos.AmountUSD
	}

	scores, err := scorer.ScoreProtocols(snapshots, investable, openPositions, e.params)
	if err != nil {
		treasuryLogger.Error().Err(err).Msg("Scoring failed")
		return types.AllocationPlan{}, err
	}

	plan, err := planner.BuildPlan(treasury, snapshots, scores, e.params)
	if err != nil {
		treasuryLogger.Error().Err(err).Msg("Planning failed")
		return types.AllocationPlan{}, err
	}
	return plan, nil
}

// reconcile compares internal bookkeeping against the chain-observed total.
// On drift beyond the tolerance the chain wins: the idle balance is reset to
// chain total minus tracked positions. Reported drift usually means accrued
// yield or an out-of-band transfer.
func (e *Engine) reconcile(ctx context.Context, treasury types.Treasury, treasuryLogger zerolog.Logger) (types.Treasury, bool, error) {
	chainTotal, err := e.balances.GetBalance(ctx, treasury.ChainAddress)
	if err != nil {
		return treasury, false, fmt.Errorf("chain balance lookup failed: %w", err)
	}

	internalTotal := treasury.TotalBalance()
	drift := chainTotal - internalTotal
	if math.Abs(drift) <= e.params.ReconcileToleranceUSD {
		return treasury, false, nil
	}

	deposited := 0.0
	for _, pos := range treasury.Positions {
		deposited += pos.AmountUSD
	}
	correctedIdle := chainTotal - deposited
	if correctedIdle < 0 {
		correctedIdle = 0
	}

	treasuryLogger.Warn().
		Float64("internalTotalUSD", internalTotal).
		Float64("chainTotalUSD", chainTotal).
		Float64("driftUSD", drift).
		Float64("correctedIdleUSD", correctedIdle).
		Msg("Bookkeeping drift detected, resyncing idle balance from chain")

	treasury.IdleBalance = correctedIdle
	return treasury, true, nil
}

// LiquidityResult is the answer to an urgent liquidity request. FulfilledBy
// is nil when the idle balance already covers the request, the completion
// time when positions were unwound synchronously, and a best-effort estimate
// when the request was queued behind a held lease.
type LiquidityResult struct {
	TreasuryID           types.TreasuryID `json:"treasury_id"`
	RequestedUSD         float64          `json:"requested_usd"`
	ImmediatelyAvailable bool             `json:"immediately_available"`
	FreedUSD             float64          `json:"freed_usd"`
	IdleBalanceUSD       float64          `json:"idle_balance_usd"`
	ShortfallUSD         float64          `json:"shortfall_usd,omitempty"`
	FulfilledBy          *time.Time       `json:"fulfilled_by"`
}

// RequestLiquidity raises a treasury's idle balance to cover an imminent
// payout. It ignores cooldown and unwinds the lowest-scoring positions
// first. If the treasury's total balance cannot cover the request,
// everything available is freed and the remaining shortfall is reported.
// When the treasury's lease is held elsewhere the request is queued and
// served as soon as the lease frees; the caller gets a timing estimate,
// never an error.
func (e *Engine) RequestLiquidity(ctx context.Context, treasuryID types.TreasuryID, amountUSD float64) (LiquidityResult, error) {
	reqLogger := e.logger.With().
		Str("treasury_id", string(treasuryID)).
		Float64("amountUSD", amountUSD).
		Logger()

	treasury, err := e.store.GetTreasury(treasuryID)
	if err != nil {
		return LiquidityResult{}, err
	}

	result := LiquidityResult{
		TreasuryID:     treasuryID,
		RequestedUSD:   amountUSD,
		IdleBalanceUSD: treasury.IdleBalance,
	}

	if treasury.IdleBalance >= amountUSD {
		result.ImmediatelyAvailable = true
		reqLogger.Info().Msg("Urgent liquidity request covered by idle balance")
		return result, nil
	}

	lease, err := e.locks.Acquire(ctx, string(treasuryID), e.leaseTTL())
	if err != nil {
		if errors.Is(err, lock.ErrLeaseHeld) {
			// The holder frees the treasury within one lease TTL at the
			// latest. An urgent caller needs a timeline, not an error.
			e.queueUrgent(treasuryID, amountUSD)
			eta := time.Now().Add(e.leaseTTL() + e.planExecuteBound())
			result.FulfilledBy = &eta
			reqLogger.Info().
				Time("fulfilledBy", eta).
				Msg("Treasury lease held, urgent request queued until it frees")
			return result, nil
		}
		return LiquidityResult{}, err
	}
	defer lease.Release()

	return e.freeLiquidity(ctx, treasury, amountUSD, result, reqLogger)
}

// freeLiquidity plans and executes an urgent unwind for one treasury. The
// caller must already hold the treasury's execution lease.
func (e *Engine) freeLiquidity(ctx context.Context, treasury types.Treasury, amountUSD float64, result LiquidityResult, reqLogger zerolog.Logger) (LiquidityResult, error) {
	treasuryID := treasury.ID

	e.setPhase(treasuryID, PhasePlanning)
	defer e.setPhase(treasuryID, PhaseIdle)

	// Fresh snapshots: withdraw gas and liquidity may have moved since the
	// last cycle, and stale data is worse than a slower payout.
	snapshots, err := e.adapters.SnapshotAll(ctx)
	if err != nil {
		return LiquidityResult{}, err
	}

	openPositions := make(map[string]float64, len(treasury.Positions))
	for _, pos := range treasury.Positions {
		openPositions[pos.Protocol] = pos.AmountUSD
	}
	shortfall := amountUSD - treasury.IdleBalance
	scores, err := scorer.ScoreProtocols(snapshots, shortfall, openPositions, e.params)
	if err != nil {
		return LiquidityResult{}, err
	}

	plan, err := planner.BuildUrgentPlan(treasury, snapshots, scores, amountUSD, e.params)
	if err != nil {
		return LiquidityResult{}, err
	}
	if plan.IsEmpty() {
		result.ImmediatelyAvailable = true
		return result, nil
	}

	e.setPhase(treasuryID, PhaseExecuting)
	cycleNumber, err := e.store.IncrementCycleNumber()
	if err != nil {
		return LiquidityResult{}, err
	}

	record, updated, err := e.exec.ExecutePlan(ctx, treasury, plan, cycleNumber)
	if err != nil {
		return LiquidityResult{}, err
	}

	result.FreedUSD = updated.IdleBalance - treasury.IdleBalance
	result.IdleBalanceUSD = updated.IdleBalance
	if updated.IdleBalance < amountUSD {
		result.ShortfallUSD = amountUSD - updated.IdleBalance
	}
	fulfilled := record.FinishedAt
	result.FulfilledBy = &fulfilled

	reqLogger.Info().
		Str("status", string(record.Status)).
		Float64("freedUSD", result.FreedUSD).
		Float64("idleBalanceUSD", result.IdleBalanceUSD).
		Msg("Urgent liquidity request processed")
	return result, nil
}

// queueUrgent coalesces urgent requests against a busy treasury and makes
// sure exactly one drainer goroutine is waiting for its lease to free.
func (e *Engine) queueUrgent(treasuryID types.TreasuryID, amountUSD float64) {
	e.urgentMu.Lock()
	if amountUSD > e.queuedUrgent[treasuryID] {
		e.queuedUrgent[treasuryID] = amountUSD
	}
	spawn := !e.urgentDrainer[treasuryID]
	e.urgentDrainer[treasuryID] = true
	e.urgentMu.Unlock()

	if spawn {
		go e.drainQueuedUrgent(treasuryID)
	}
}

func (e *Engine) takeQueuedUrgent(treasuryID types.TreasuryID) (float64, bool) {
	e.urgentMu.Lock()
	defer e.urgentMu.Unlock()
	amountUSD, ok := e.queuedUrgent[treasuryID]
	delete(e.queuedUrgent, treasuryID)
	return amountUSD, ok
}

// drainQueuedUrgent retries the lease until the current holder frees the
// treasury, then serves the queued request. The retry budget is one lease
// TTL plus an execution bound: a live holder finishes and releases within
// that window, a dead one expires within its TTL.
func (e *Engine) drainQueuedUrgent(treasuryID types.TreasuryID) {
	defer func() {
		e.urgentMu.Lock()
		delete(e.urgentDrainer, treasuryID)
		e.urgentMu.Unlock()
	}()

	drainLogger := e.logger.With().Str("treasury_id", string(treasuryID)).Logger()

	retryEvery := time.Duration(e.params.PendingPollIntervalMs) * time.Millisecond
	if retryEvery <= 0 {
		retryEvery = time.Second
	}
	deadline := time.Now().Add(e.leaseTTL() + e.planExecuteBound())

	for {
		lease, err := e.locks.Acquire(context.Background(), string(treasuryID), e.leaseTTL())
		if err == nil {
			e.serveQueuedUrgent(treasuryID, lease, drainLogger)
			return
		}
		if !errors.Is(err, lock.ErrLeaseHeld) {
			drainLogger.Error().Err(err).Msg("Lease acquisition failed while draining queued urgent request")
			return
		}
		if time.Now().After(deadline) {
			e.takeQueuedUrgent(treasuryID)
			drainLogger.Warn().Msg("Gave up waiting for treasury lease, dropping queued urgent request")
			return
		}
		time.Sleep(retryEvery)
	}
}

func (e *Engine) serveQueuedUrgent(treasuryID types.TreasuryID, lease lock.Lease, drainLogger zerolog.Logger) {
	defer lease.Release()

	amountUSD, ok := e.takeQueuedUrgent(treasuryID)
	if !ok {
		return
	}

	treasury, err := e.store.GetTreasury(treasuryID)
	if err != nil {
		drainLogger.Error().Err(err).Msg("Failed to load treasury for queued urgent request")
		return
	}
	if treasury.IdleBalance >= amountUSD {
		drainLogger.Info().Float64("amountUSD", amountUSD).Msg("Queued urgent request already covered by idle balance")
		return
	}

	result := LiquidityResult{
		TreasuryID:     treasuryID,
		RequestedUSD:   amountUSD,
		IdleBalanceUSD: treasury.IdleBalance,
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.planExecuteBound())
	defer cancel()

	served, err := e.freeLiquidity(ctx, treasury, amountUSD, result, drainLogger)
	if err != nil {
		drainLogger.Error().Err(err).Msg("Queued urgent liquidity request failed")
		return
	}
	drainLogger.Info().
		Float64("freedUSD", served.FreedUSD).
		Float64("idleBalanceUSD", served.IdleBalanceUSD).
		Msg("Queued urgent liquidity request served")
}

// planExecuteBound is an upper bound on executing one urgent plan. Urgent
// plans are withdraw-only and short, so each action's full retry budget
// against the adapter timeout dominates.
func (e *Engine) planExecuteBound() time.Duration {
	attempts := e.params.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(e.params.AdapterTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return time.Duration(attempts) * timeout
}

func (e *Engine) leaseTTL() time.Duration {
	ttl := time.Duration(e.params.LockLeaseSeconds) * time.Second
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return ttl
}
