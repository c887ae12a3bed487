/*

This is a custom type for treasuries which contains all the state needed for
planning and executing yield allocations for one merchant.

*/

package types

import (
	"time"
)

type TreasuryID string

type Treasury struct {
	ID           TreasuryID `json:"id"`
	ChainAddress string     `json:"chain_address"` // Native-chain wallet address the funds settle back to
	IdleBalance  float64    `json:"idle_balance"`  // USD value held liquid, not deposited anywhere
	ReserveRatio float64    `json:"reserve_ratio"` // Fraction of total balance that should stay liquid (0.0 to 1.0)
	Positions    []Position `json:"positions"`

	// LastRebalancedAt is stamped on every plan execution, settled or not,
	// and drives the post-execution cooldown window.
	LastRebalancedAt time.Time `json:"last_rebalanced_at,omitempty"`
}

// TotalBalance is the conservation-law total: idle plus everything deposited.
func (t Treasury) TotalBalance() float64 {
	total := t.IdleBalance
	for _, p := range t.Positions {
		total += p.AmountUSD
	}
	return total
}

// ReserveFloor returns the USD amount that should remain idle per the
// treasury's reserve ratio. It is a target, not a hard invariant; it may be
// transiently violated mid-migration.
func (t Treasury) ReserveFloor() float64 {
	return t.TotalBalance() * t.ReserveRatio
}

// FindPosition returns the open position for a protocol, if any.
func (t Treasury) FindPosition(protocol string) (Position, bool) {
	for _, p := range t.Positions {
		if p.Protocol == protocol {
			return p, true
		}
	}
	return Position{}, false
}

// WeightedAPY computes the deposit-weighted portfolio yield across the
// treasury's open positions given current protocol snapshots. Idle balance
// counts as zero-yield weight.
func (t Treasury) WeightedAPY(snapshots map[string]ProtocolSnapshot) float64 {
	total := t.TotalBalance()
	if total <= 0 {
		return 0
	}
	weighted := 0.0
	for _, p := range t.Positions {
		if snap, ok := snapshots[p.Protocol]; ok {
			weighted += (p.AmountUSD / total) * snap.APY
		}
	}
	return weighted
}

// One open deposit of treasury funds in one yield protocol.
type Position struct {
	Protocol         string    `json:"protocol"`
	AmountUSD        float64   `json:"amount_usd"`
	EnteredAt        time.Time `json:"entered_at"`
	LastRebalancedAt time.Time `json:"last_rebalanced_at"`
}
