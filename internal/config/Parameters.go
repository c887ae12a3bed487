/*

This file contains the default parameters for the yield routing engine.

These values are calibrated for merchant treasuries where the funds are
working capital, not speculative capital: a liquidity request must always be
servable, and a missed yield opportunity is cheaper than a stranded payout.

*/

package config

import (
	"github.com/webspoilt/yieldroute/internal/types"
)

// DefaultEngineParameters provides the baseline parameter set for the engine.
// These values are used if no active parameters are found in the database
// during initialization.
var DefaultEngineParameters = types.EngineParameters{
	// --- Scheduling ---
	PollIntervalSeconds: 300, // Re-plan each treasury every 5 minutes.
	// Rationale: lending APYs drift slowly; anything faster burns gas
	// chasing noise and keeps treasuries permanently inside cooldown.

	CooldownSeconds: 1800, // 30 minute post-execution cooldown.
	// Rationale: when two protocols score within a thin margin, consecutive
	// cycles would otherwise ping-pong funds between them, paying gas both
	// ways. Urgent liquidity events bypass this window.

	MaxWorkers: 8, // Fixed-size treasury worker pool.
	// Rationale: each worker holds at most one treasury lease, so this caps
	// concurrent signer/oracle load without any cross-treasury contention.

	// --- Planning ---
	DefaultReserveRatio: 0.10, // Keep 10% of each treasury liquid.
	// Rationale: covers the typical intra-cycle payout volume so most
	// liquidity requests are served from idle balance without touching
	// positions at all.

	MinMoveSizeUSD: 100.0, // Drop moves below $100 as dust.
	// Rationale: below this, gas eats any conceivable yield gain and the
	// history fills with noise entries.

	AmortizationHorizonSeconds: 30 * 24 * 3600, // Recover gas within 30 days.
	// Rationale: idle treasury balances turn over with merchant volume; a
	// yield improvement that needs months to pay back its gas will usually
	// be unwound before it does.

	MinAPYImprovement: 0.005, // Migrations need a 50bp APY edge.
	// Rationale: mirrors the classic 1% improvement threshold scaled down
	// for stablecoin lending spreads; stops churn between near-equal pools.

	// --- Risk scoring ---
	RiskPenaltyLow:    0.05,
	RiskPenaltyMedium: 0.20,
	RiskPenaltyHigh:   0.40,
	// Rationale: monotone penalties convert advertised APY into a
	// risk-adjusted expectation. HIGH tier keeps only 60% of its headline
	// yield, which is roughly the haircut historical exploit losses imply.

	LiquiditySafetyMultiple: 4.0,
	// Rationale: a pool must hold 4x the candidate amount in withdrawable
	// liquidity before it scores at full strength. Entering a pool we are a
	// quarter of is how funds get stuck behind utilization spikes.

	// --- Execution ---
	MaxAttempts:           3, // Transient failures get 3 attempts per action.
	BackoffBaseMs:         500,
	AdapterTimeoutSeconds: 30,
	PendingPollIntervalMs: 2000,
	LockLeaseSeconds:      180,
	// Rationale: the lease must outlive one worst-case plan execution
	// (max actions x max attempts x timeout) so a live worker never loses
	// its treasury mid-plan, while a crashed worker frees it in minutes.

	// --- Reconciliation & history ---
	ReconcileToleranceUSD: 1.0, // Sub-dollar drift is rounding, not loss.
	MaxHistoryPerTreasury: 500,
}
