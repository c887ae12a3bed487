/*

This file contains the engine-wide error taxonomy. Transient failures are
retried with backoff at the adapter-call boundary; terminal failures stop the
current plan immediately and are surfaced in history.

*/

package types

import "errors"

var (
	// ErrOracleUnavailable means the underlying data source for a snapshot
	// could not be reached within the bounded timeout. Transient.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrTimeout means a bounded adapter call did not complete in time.
	// Transient until retries are exhausted.
	ErrTimeout = errors.New("operation timed out")

	// ErrReverted means the transaction was broadcast and reverted on-chain.
	// Terminal for the current plan.
	ErrReverted = errors.New("transaction reverted")

	// ErrSlippageExceeded means execution would breach the slippage bound.
	// Terminal for the current plan.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrInsufficientLiquidity means the protocol cannot release or accept
	// the requested amount. Terminal for the current plan.
	ErrInsufficientLiquidity = errors.New("insufficient protocol liquidity")

	// ErrReconciliationDrift means the chain-reported balance disagrees with
	// internal bookkeeping beyond tolerance. Non-fatal; forces a re-sync.
	ErrReconciliationDrift = errors.New("reconciliation drift detected")
)

// IsTransient reports whether an adapter failure may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrOracleUnavailable)
}

// IsTerminal reports whether a failure must stop the current plan.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrReverted) ||
		errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrInsufficientLiquidity)
}
