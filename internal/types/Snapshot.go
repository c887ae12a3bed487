/*

This is a custom type for protocol snapshots which contains all the state
needed for scoring yield sources. Snapshots are ephemeral: fetched once per
planning cycle and never persisted, so the planner always works from fresh
on-chain data.

*/

package types

import "time"

// RiskTier is the configured risk classification of a yield protocol.
type RiskTier string

const (
	RiskTierLow    RiskTier = "LOW"
	RiskTierMedium RiskTier = "MEDIUM"
	RiskTierHigh   RiskTier = "HIGH"
)

// Valid reports whether the tier is one of the known enumerated values.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskTierLow, RiskTierMedium, RiskTierHigh:
		return true
	}
	return false
}

type ProtocolSnapshot struct {
	Protocol           string    `json:"protocol"`            // e.g., "aave-v3"
	APY                float64   `json:"apy"`                 // Current supply APY as a fraction (0.045 = 4.5%)
	AvailableLiquidity float64   `json:"available_liquidity"` // USD withdrawable from the pool right now
	Utilization        float64   `json:"utilization"`         // Pool utilization, 0.0 to 1.0
	MinDepositUSD      float64   `json:"min_deposit_usd"`
	MaxDepositUSD      float64   `json:"max_deposit_usd"` // 0 means uncapped
	DepositGasUSD      float64   `json:"deposit_gas_usd"`
	WithdrawGasUSD     float64   `json:"withdraw_gas_usd"`
	RiskTier           RiskTier  `json:"risk_tier"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// DepositHeadroom is how much more USD the protocol can safely accept,
// honoring its max-deposit cap against an existing position size.
func (s ProtocolSnapshot) DepositHeadroom(currentPositionUSD float64) float64 {
	if s.MaxDepositUSD <= 0 {
		return s.AvailableLiquidity
	}
	headroom := s.MaxDepositUSD - currentPositionUSD
	if headroom < 0 {
		return 0
	}
	if headroom > s.AvailableLiquidity {
		return s.AvailableLiquidity
	}
	return headroom
}
