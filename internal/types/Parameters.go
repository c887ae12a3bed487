/*

This file contains the tunable parameters for the yield routing engine.
Different sets of these parameters can exist for different operating regimes;
the active set is versioned and persisted so every rebalance record can be
traced back to the exact configuration that produced it.

*/

package types

// EngineParameters holds all tunable thresholds, weights, and limits used by
// the scorer, planner, executor, and scheduler.
type EngineParameters struct {
	// --- Scheduling ---
	PollIntervalSeconds int `json:"poll_interval_seconds"` // How often the control loop re-plans each treasury.
	CooldownSeconds     int `json:"cooldown_seconds"`      // Post-execution window suppressing non-urgent replanning.
	MaxWorkers          int `json:"max_workers"`           // Fixed size of the treasury worker pool.

	// --- Planning ---
	DefaultReserveRatio        float64 `json:"default_reserve_ratio"`        // Reserve ratio applied to treasuries without their own.
	MinMoveSizeUSD             float64 `json:"min_move_size_usd"`            // Actions below this are dropped as dust.
	AmortizationHorizonSeconds int     `json:"amortization_horizon_seconds"` // Window over which plan gas must be recovered by yield gain.
	MinAPYImprovement          float64 `json:"min_apy_improvement"`          // Migration destination must beat the source APY by this margin.

	// --- Risk scoring ---
	// Monotonically increasing penalties per risk tier: LOW < MEDIUM < HIGH.
	RiskPenaltyLow    float64 `json:"risk_penalty_low"`
	RiskPenaltyMedium float64 `json:"risk_penalty_medium"`
	RiskPenaltyHigh   float64 `json:"risk_penalty_high"`

	// LiquiditySafetyMultiple is how many times the candidate amount the
	// protocol's available liquidity must cover before the liquidity factor
	// reaches 1.0. Below that the factor decays toward 0.
	LiquiditySafetyMultiple float64 `json:"liquidity_safety_multiple"`

	// --- Execution ---
	MaxAttempts           int `json:"max_attempts"`             // Bounded retries for transient failures per action.
	BackoffBaseMs         int `json:"backoff_base_ms"`          // Exponential backoff base between retries.
	AdapterTimeoutSeconds int `json:"adapter_timeout_seconds"`  // Bound on any single adapter call.
	PendingPollIntervalMs int `json:"pending_poll_interval_ms"` // Poll cadence for PENDING transaction results.
	LockLeaseSeconds      int `json:"lock_lease_seconds"`       // TTL of the per-treasury execution lease.

	// --- Reconciliation & history ---
	ReconcileToleranceUSD float64 `json:"reconcile_tolerance_usd"`  // Drift beyond this forces a re-sync from chain.
	MaxHistoryPerTreasury int     `json:"max_history_per_treasury"` // Oldest rebalance records beyond this are pruned.
}

// RiskPenalty returns the configured penalty for a tier. Unknown tiers get
// the HIGH penalty rather than a free pass.
func (p EngineParameters) RiskPenalty(tier RiskTier) float64 {
	switch tier {
	case RiskTierLow:
		return p.RiskPenaltyLow
	case RiskTierMedium:
		return p.RiskPenaltyMedium
	case RiskTierHigh:
		return p.RiskPenaltyHigh
	}
	return p.RiskPenaltyHigh
}
