/*

This file contains the types for allocation plans and their executable
actions, plus the append-only rebalance history record used for auditing and
for the scheduler's backoff decisions.

*/

package types

import (
	"time"
)

// ActionType defines the fund-movement operations a plan can contain.
type ActionType string

const (
	ActionDeposit  ActionType = "DEPOSIT"
	ActionWithdraw ActionType = "WITHDRAW"
	// ActionMigrate is a fused withdraw+deposit between two protocols,
	// recorded as one intent for ordering and compensation purposes.
	ActionMigrate ActionType = "MIGRATE"
)

// Action represents a single, executable step in an allocation plan.
type Action struct {
	Type ActionType `json:"type"`

	// Fields for DEPOSIT / WITHDRAW
	Protocol string `json:"protocol,omitempty"`

	// Fields for MIGRATE
	FromProtocol string `json:"from_protocol,omitempty"`
	ToProtocol   string `json:"to_protocol,omitempty"`

	AmountUSD       float64 `json:"amount_usd"`
	EstimatedGasUSD float64 `json:"estimated_gas_usd"`

	// RequestID is a deterministic identifier derived from the plan ID and
	// the action's index, so adapters can be retried without double-spending.
	RequestID string `json:"request_id"`
}

// Source returns the protocol funds leave, if any.
func (a Action) Source() string {
	switch a.Type {
	case ActionWithdraw:
		return a.Protocol
	case ActionMigrate:
		return a.FromProtocol
	}
	return ""
}

// Destination returns the protocol funds enter, if any.
func (a Action) Destination() string {
	switch a.Type {
	case ActionDeposit:
		return a.Protocol
	case ActionMigrate:
		return a.ToProtocol
	}
	return ""
}

// AllocationPlan holds an ordered sequence of Actions moving one treasury
// from its current positions toward a target allocation. A plan with no
// actions is a deliberate no-op (planning was infeasible or unnecessary).
type AllocationPlan struct {
	PlanID     string     `json:"plan_id"`
	TreasuryID TreasuryID `json:"treasury_id"`
	Actions    []Action   `json:"actions"`

	// ExpectedGainUSD is the projected yield improvement over the configured
	// amortization horizon. EstimatedGasUSD must be below it or the planner
	// emits an empty plan instead.
	ExpectedGainUSD float64 `json:"expected_gain_usd"`
	EstimatedGasUSD float64 `json:"estimated_gas_usd"`

	// Urgent marks a plan produced for a liquidity shortfall. Urgent plans
	// skip the gas-amortization bar and the scheduler's cooldown.
	Urgent    bool      `json:"urgent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsEmpty reports whether the plan is a no-op.
func (p AllocationPlan) IsEmpty() bool {
	return len(p.Actions) == 0
}

// TotalMovedUSD is the total value the plan moves. Each Migrate counts once.
func (p AllocationPlan) TotalMovedUSD() float64 {
	total := 0.0
	for _, a := range p.Actions {
		total += a.AmountUSD
	}
	return total
}

// OutcomeStatus is the per-action result recorded in history.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	// OutcomeCompensated marks actions skipped after an earlier terminal
	// failure. Freed funds stay idle and the next cycle re-converges.
	OutcomeCompensated OutcomeStatus = "COMPENSATED"
)

// ActionOutcome records what happened to one action during execution.
type ActionOutcome struct {
	Action       Action        `json:"action"`
	Status       OutcomeStatus `json:"status"`
	TxHash       string        `json:"tx_hash,omitempty"`
	GasSpentUSD  float64       `json:"gas_spent_usd,omitempty"`
	ActualAmount float64       `json:"actual_amount_usd,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ExecutionStatus is the terminal state of one plan execution.
type ExecutionStatus string

const (
	ExecutionSettled          ExecutionStatus = "SETTLED"
	ExecutionPartiallySettled ExecutionStatus = "PARTIALLY_SETTLED"
)

// RebalanceRecord is one append-only history entry per execution attempt.
type RebalanceRecord struct {
	RecordID    int64           `json:"record_id,omitempty"` // Auto-incremented by DB
	TreasuryID  TreasuryID      `json:"treasury_id"`
	CycleNumber int             `json:"cycle_number"`
	Plan        AllocationPlan  `json:"plan"`
	Outcomes    []ActionOutcome `json:"outcomes"`
	Status      ExecutionStatus `json:"status"`
	TxHashes    []string        `json:"tx_hashes,omitempty"`
	TotalGasUSD float64         `json:"total_gas_usd"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// TxStatus distinguishes confirmed results from ones the caller must poll.
type TxStatus string

const (
	TxConfirmed TxStatus = "CONFIRMED"
	TxPending   TxStatus = "PENDING"
)

// TxResult contains the outcome of one on-chain deposit or withdraw as
// reported by the external signer/broadcast layer.
type TxResult struct {
	Status          TxStatus `json:"status"`
	TxHash          string   `json:"tx_hash,omitempty"`
	ActualAmountUSD float64  `json:"actual_amount_usd,omitempty"`
	GasSpentUSD     float64  `json:"gas_spent_usd,omitempty"`
	PendingHandle   string   `json:"pending_handle,omitempty"` // Set when Status is PENDING
}
