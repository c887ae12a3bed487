/*

This file contains the risk-adjusted scoring of protocol snapshots. Scoring
is a pure function of its inputs: identical snapshots, weights, and candidate
size always produce identical scores, which is what makes the planner's
decisions deterministic and unit-testable. Any model-driven scorer can be
substituted behind the same function signature without touching the planner
or executor.

*/

package scorer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/webspoilt/yieldroute/internal/types"
)

var (
	ErrNoSnapshots      = errors.New("no protocol snapshots provided")
	ErrInvalidSnapshot  = errors.New("protocol snapshot contains invalid values")
	ErrInvalidCandidate = errors.New("candidate deposit size is invalid")
)

// Result is one protocol's risk-adjusted expected-return score for a given
// candidate deposit size, with its components kept for audit logging.
type Result struct {
	Protocol        string  `json:"protocol"`
	Score           float64 `json:"score"`
	APY             float64 `json:"apy"`
	RiskPenalty     float64 `json:"risk_penalty"`
	LiquidityFactor float64 `json:"liquidity_factor"`
	HasOpenPosition bool    `json:"has_open_position"`
}

// ScoreProtocols computes score = apy x (1 - riskPenalty) x liquidityFactor
// for every snapshot, for a candidate deposit of candidateUSD. openPositions
// maps protocol to the treasury's currently deposited amount and is used
// only for tie-breaking: between equal scores the protocol already holding a
// position wins, minimizing migration churn and gas.
//
// candidateUSD is the total amount being routed, which will be split across
// protocols. The liquidity factor is therefore evaluated twice: a first pass
// scores every protocol against the full candidate, a second pass rescores
// against each protocol's score-proportional share, so a protocol that would
// only receive a sliver is not discounted as if it had to absorb everything.
//
// Results are sorted best-first and the ordering is fully deterministic.
func ScoreProtocols(
	snapshots map[string]types.ProtocolSnapshot,
	candidateUSD float64,
	openPositions map[string]float64,
	params types.EngineParameters,
) ([]Result, error) {
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshots
	}
	if math.IsNaN(candidateUSD) || math.IsInf(candidateUSD, 0) || candidateUSD < 0 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidCandidate, candidateUSD)
	}

	results := make([]Result, 0, len(snapshots))
	for name, snap := range snapshots {
		if err := validateSnapshot(name, snap); err != nil {
			return nil, err
		}

		penalty := params.RiskPenalty(snap.RiskTier)
		factor := liquidityFactor(snap.AvailableLiquidity, candidateUSD, params.LiquiditySafetyMultiple)

		_, hasPosition := openPositions[name]
		results = append(results, Result{
			Protocol:        name,
			Score:           snap.APY * (1 - penalty) * factor,
			APY:             snap.APY,
			RiskPenalty:     penalty,
			LiquidityFactor: factor,
			HasOpenPosition: hasPosition,
		})
	}

	rescoreProportional(results, snapshots, candidateUSD, params)

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Tie-break: prefer the protocol with the existing open position.
		if results[i].HasOpenPosition != results[j].HasOpenPosition {
			return results[i].HasOpenPosition
		}
		return results[i].Protocol < results[j].Protocol
	})

	return results, nil
}

// rescoreProportional recomputes each positive-scoring protocol's liquidity
// factor against its score-proportional share of the candidate. Protocols
// with a zero first-pass score keep it: they would receive no share at all.
func rescoreProportional(results []Result, snapshots map[string]types.ProtocolSnapshot, candidateUSD float64, params types.EngineParameters) {
	var total float64
	for _, r := range results {
		total += r.Score
	}
	if total <= 0 || candidateUSD <= 0 {
		return
	}

	for i, r := range results {
		if r.Score <= 0 {
			continue
		}
		share := candidateUSD * r.Score / total
		factor := liquidityFactor(snapshots[r.Protocol].AvailableLiquidity, share, params.LiquiditySafetyMultiple)
		results[i].LiquidityFactor = factor
		results[i].Score = r.APY * (1 - r.RiskPenalty) * factor
	}
}

// liquidityFactor discounts protocols whose withdrawable liquidity cannot
// safely absorb or release the candidate amount. The factor is 1.0 once
// liquidity covers safetyMultiple x candidate and decays linearly to 0 as
// headroom goes to 0.
func liquidityFactor(availableLiquidity, candidateUSD, safetyMultiple float64) float64 {
	if candidateUSD <= 0 {
		return 1.0
	}
	if availableLiquidity <= 0 {
		return 0.0
	}
	if safetyMultiple <= 0 {
		safetyMultiple = 1.0
	}
	required := candidateUSD * safetyMultiple
	if availableLiquidity >= required {
		return 1.0
	}
	return availableLiquidity / required
}

func validateSnapshot(name string, snap types.ProtocolSnapshot) error {
	if math.IsNaN(snap.APY) || math.IsInf(snap.APY, 0) || snap.APY < 0 {
		return errors.Join(ErrInvalidSnapshot,
			fmt.Errorf("protocol %s has invalid APY: %f", name, snap.APY))
	}
	if math.IsNaN(snap.AvailableLiquidity) || math.IsInf(snap.AvailableLiquidity, 0) || snap.AvailableLiquidity < 0 {
		return errors.Join(ErrInvalidSnapshot,
			fmt.Errorf("protocol %s has invalid available liquidity: %f", name, snap.AvailableLiquidity))
	}
	if !snap.RiskTier.Valid() {
		return errors.Join(ErrInvalidSnapshot,
			fmt.Errorf("protocol %s has invalid risk tier: %q", name, snap.RiskTier))
	}
	return nil
}
