package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/scorer"
	"github.com/webspoilt/yieldroute/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidTreasury     = errors.New("treasury state is invalid")
	ErrInvalidScores       = errors.New("scores contain invalid values")
	ErrInvalidParams       = errors.New("engine parameters contain invalid values")
	ErrMissingSnapshot     = errors.New("required protocol snapshot is missing")
	ErrInvalidLiquidityAsk = errors.New("requested liquidity amount is invalid")
)

const (
	secondsPerYear = 365.25 * 24 * 3600

	// Cap on redistribution passes when proportional targets hit caps.
	maxAllocationIterations = 20

	// Two legs fold into one Migrate only when they net to the same value.
	migrateFoldToleranceUSD = 0.01
)

// requestNamespace seeds the deterministic per-action request IDs, so a
// retried action resubmits the same idempotency key to the signer.
var requestNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// BuildPlan computes the least-churn action set moving a treasury from its
// current positions toward the allocation that maximizes aggregate
// risk-adjusted score, subject to the reserve-ratio floor, per-protocol caps,
// and the minimum move size. If the plan's estimated gas cannot be recovered
// by its yield improvement over the amortization horizon, the empty plan is
// returned: planning was infeasible, which is not an error.
func BuildPlan(
	treasury types.Treasury,
	snapshots map[string]types.ProtocolSnapshot,
	scores []scorer.Result,
	params types.EngineParameters,
) (types.AllocationPlan, error) {
	planLogger := logger.GetForTreasury("allocation_planner", string(treasury.ID))

	if err := validateInputs(treasury, snapshots, scores, params); err != nil {
		planLogger.Error().Err(err).Msg("Input validation failed")
		return types.AllocationPlan{}, err
	}

	plan := newEmptyPlan(treasury.ID)

	totalBalance := treasury.TotalBalance()
	if totalBalance <= 0 {
		planLogger.Info().Msg("Treasury has no balance, nothing to plan")
		return plan, nil
	}

	reserveRatio := treasury.ReserveRatio
	if reserveRatio <= 0 {
		reserveRatio = params.DefaultReserveRatio
	}
	investable := totalBalance * (1 - reserveRatio)
	if investable < 0 {
		investable = 0
	}

	// ===== STEP 1: TARGET ALLOCATION =====
	targets := determineTargets(scores, snapshots, treasury, investable)

	// ===== STEP 2: DIFF AGAINST CURRENT POSITIONS =====
	deltas := diffPositions(treasury, targets)

	// ===== STEP 3: CLASSIFY AND FOLD MIGRATIONS =====
	actions := buildActions(deltas, snapshots, params, planLogger)

	// ===== STEP 4: DROP DUST =====
	actions = dropDust(actions, params.MinMoveSizeUSD, planLogger)

	// ===== STEP 5: ORDER AND FEASIBILITY-CLAMP =====
	actions = orderAndClamp(actions, treasury, planLogger)

	if len(actions) == 0 {
		planLogger.Info().Msg("No rebalancing actions required")
		return plan, nil
	}

	// ===== STEP 6: GAS AMORTIZATION BAR =====
	estimatedGas := totalEstimatedGas(actions)
	expectedGain := expectedGainOverHorizon(treasury, actions, scores, params)

	if expectedGain <= estimatedGas {
		planLogger.Info().
			Float64("expectedGainUSD", expectedGain).
			Float64("estimatedGasUSD", estimatedGas).
			Msg("Plan does not clear the gas amortization bar, emitting empty plan")
		return plan, nil
	}

	plan.Actions = stampRequestIDs(plan.PlanID, actions)
	plan.ExpectedGainUSD = expectedGain
	plan.EstimatedGasUSD = estimatedGas

	planLogger.Info().
		Int("actions", len(plan.Actions)).
		Float64("expectedGainUSD", expectedGain).
		Float64("estimatedGasUSD", estimatedGas).
		Msg("Allocation plan generated")

	return plan, nil
}

// BuildUrgentPlan produces the withdrawals needed to raise the treasury's
// idle balance to at least requiredIdleUSD. Urgent plans bypass the
// amortization bar and the minimum move size: a pending payout always wins
// over yield. Funds are pulled from the lowest-scoring positions first, and
// only as much as needed to cover the shortfall.
func BuildUrgentPlan(
	treasury types.Treasury,
	snapshots map[string]types.ProtocolSnapshot,
	scores []scorer.Result,
	requiredIdleUSD float64,
	params types.EngineParameters,
) (types.AllocationPlan, error) {
	planLogger := logger.GetForTreasury("allocation_planner", string(treasury.ID))

	if math.IsNaN(requiredIdleUSD) || math.IsInf(requiredIdleUSD, 0) || requiredIdleUSD <= 0 {
		return types.AllocationPlan{}, fmt.Errorf("%w: %f", ErrInvalidLiquidityAsk, requiredIdleUSD)
	}

	plan := newEmptyPlan(treasury.ID)
	plan.Urgent = true

	shortfall := requiredIdleUSD - treasury.IdleBalance
	if shortfall <= 0 {
		planLogger.Debug().Float64("idleBalance", treasury.IdleBalance).Msg("Idle balance already covers the request")
		return plan, nil
	}

	// Lowest risk-adjusted score unwinds first; positions without a score
	// this cycle (snapshot unavailable) unwind before everything else.
	ordered := positionsByAscendingScore(treasury.Positions, scores)

	var actions []types.Action
	remaining := shortfall
	for _, pos := range ordered {
		if remaining <= 0 {
			break
		}
		amount := math.Min(pos.AmountUSD, remaining)
		gas := 0.0
		if snap, ok := snapshots[pos.Protocol]; ok {
			gas = snap.WithdrawGasUSD
		}
		actions = append(actions, types.Action{
			Type:            types.ActionWithdraw,
			Protocol:        pos.Protocol,
			AmountUSD:       amount,
			EstimatedGasUSD: gas,
		})
		remaining -= amount
	}

	if remaining > 0 {
		// Treasury provably cannot cover the request; surface everything we
		// can free and let the caller report the shortfall.
		planLogger.Warn().
			Float64("requiredIdleUSD", requiredIdleUSD).
			Float64("uncoveredUSD", remaining).
			Msg("Treasury total balance cannot cover the liquidity request")
	}

	plan.Actions = stampRequestIDs(plan.PlanID, actions)
	plan.EstimatedGasUSD = totalEstimatedGas(actions)

	planLogger.Info().
		Int("actions", len(plan.Actions)).
		Float64("shortfallUSD", shortfall).
		Msg("Urgent liquidity plan generated")

	return plan, nil
}

// validateInputs performs comprehensive validation of all planner inputs.
func validateInputs(
	treasury types.Treasury,
	snapshots map[string]types.ProtocolSnapshot,
	scores []scorer.Result,
	params types.EngineParameters,
) error {
	if treasury.ID == "" {
		return errors.Join(ErrInvalidTreasury, errors.New("treasury ID is empty"))
	}
	if math.IsNaN(treasury.IdleBalance) || math.IsInf(treasury.IdleBalance, 0) {
		return errors.Join(ErrInvalidTreasury, errors.New("idle balance is not finite"))
	}
	if treasury.IdleBalance < 0 {
		return errors.Join(ErrInvalidTreasury, errors.New("idle balance cannot be negative"))
	}
	if treasury.ReserveRatio < 0 || treasury.ReserveRatio > 1 {
		return errors.Join(ErrInvalidTreasury,
			fmt.Errorf("reserve ratio out of range: %f", treasury.ReserveRatio))
	}
	for i, pos := range treasury.Positions {
		if pos.Protocol == "" {
			return errors.Join(ErrInvalidTreasury, fmt.Errorf("position %d has empty protocol", i))
		}
		if math.IsNaN(pos.AmountUSD) || math.IsInf(pos.AmountUSD, 0) || pos.AmountUSD < 0 {
			return errors.Join(ErrInvalidTreasury,
				fmt.Errorf("position %d has invalid amount: %f", i, pos.AmountUSD))
		}
	}
	for _, s := range scores {
		if math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			return errors.Join(ErrInvalidScores,
				fmt.Errorf("protocol %s has invalid score: %f", s.Protocol, s.Score))
		}
		if _, ok := snapshots[s.Protocol]; !ok {
			return errors.Join(ErrMissingSnapshot,
				fmt.Errorf("scored protocol %s has no snapshot", s.Protocol))
		}
	}
	if params.DefaultReserveRatio < 0 || params.DefaultReserveRatio > 1 {
		return errors.Join(ErrInvalidParams,
			fmt.Errorf("default reserve ratio out of range: %f", params.DefaultReserveRatio))
	}
	if params.MinMoveSizeUSD < 0 {
		return errors.Join(ErrInvalidParams, errors.New("minimum move size cannot be negative"))
	}
	if params.AmortizationHorizonSeconds <= 0 {
		return errors.Join(ErrInvalidParams, errors.New("amortization horizon must be positive"))
	}
	return nil
}

// determineTargets runs the capped-proportional allocation: each protocol's
// target is proportional to its score share of the investable balance,
// clamped to its max-deposit cap and liquidity headroom, with clamped excess
// redistributed among the uncapped protocols.
func determineTargets(
	scores []scorer.Result,
	snapshots map[string]types.ProtocolSnapshot,
	treasury types.Treasury,
	investable float64,
) map[string]float64 {
	targets := make(map[string]float64, len(scores))
	if investable <= 0 {
		return targets
	}

	caps := make(map[string]float64, len(scores))
	weights := make(map[string]float64, len(scores))
	totalWeight := 0.0
	for _, s := range scores {
		if s.Score <= 0 {
			continue
		}
		snap := snapshots[s.Protocol]
		current := 0.0
		if pos, ok := treasury.FindPosition(s.Protocol); ok {
			current = pos.AmountUSD
		}
		capUSD := current + snap.DepositHeadroom(current)
		if capUSD <= 0 {
			continue
		}
		caps[s.Protocol] = capUSD
		weights[s.Protocol] = s.Score
		totalWeight += s.Score
	}
	if totalWeight <= 0 {
		return targets
	}

	// Proportional allocation with clamped excess redistributed among the
	// protocols still below their caps.
	remaining := investable
	active := weights
	for iter := 0; iter < maxAllocationIterations && remaining > 0 && len(active) > 0; iter++ {
		weightSum := 0.0
		for _, w := range active {
			weightSum += w
		}
		if weightSum <= 0 {
			break
		}

		next := make(map[string]float64, len(active))
		distributed := 0.0
		for protocol, w := range active {
			share := remaining * w / weightSum
			headroom := caps[protocol] - targets[protocol]
			if share >= headroom {
				targets[protocol] = caps[protocol]
				distributed += headroom
			} else {
				targets[protocol] += share
				distributed += share
				next[protocol] = w
			}
		}
		remaining -= distributed
		if len(next) == len(active) {
			break // Nothing hit a cap; allocation is complete.
		}
		active = next
	}

	return targets
}

type delta struct {
	protocol  string
	amountUSD float64 // Positive means deposit, negative means withdraw
}

// diffPositions diffs target amounts against current position amounts.
// Protocols with a position but no target get a full exit delta.
func diffPositions(treasury types.Treasury, targets map[string]float64) []delta {
	seen := make(map[string]struct{}, len(targets))
	var deltas []delta

	for protocol, target := range targets {
		current := 0.0
		if pos, ok := treasury.FindPosition(protocol); ok {
			current = pos.AmountUSD
		}
		seen[protocol] = struct{}{}
		deltas = append(deltas, delta{protocol: protocol, amountUSD: target - current})
	}
	for _, pos := range treasury.Positions {
		if _, ok := seen[pos.Protocol]; !ok {
			deltas = append(deltas, delta{protocol: pos.Protocol, amountUSD: -pos.AmountUSD})
		}
	}

	// Deterministic plan ordering regardless of map iteration order.
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].amountUSD != deltas[j].amountUSD {
			return deltas[i].amountUSD < deltas[j].amountUSD
		}
		return deltas[i].protocol < deltas[j].protocol
	})
	return deltas
}

// buildActions classifies deltas into Withdraw/Deposit actions and folds a
// withdraw+deposit pair netting to the same value into a single Migrate. A
// fold is only taken when the destination's APY beats the source's by the
// configured improvement margin; otherwise both legs are dropped, keeping
// the funds where they are rather than churning for a thin edge.
func buildActions(
	deltas []delta,
	snapshots map[string]types.ProtocolSnapshot,
	params types.EngineParameters,
	planLogger zerolog.Logger,
) []types.Action {
	var withdrawals, deposits []delta
	for _, d := range deltas {
		switch {
		case d.amountUSD < 0:
			withdrawals = append(withdrawals, delta{d.protocol, -d.amountUSD})
		case d.amountUSD > 0:
			deposits = append(deposits, d)
		}
	}

	var actions []types.Action
	usedDeposit := make(map[int]bool, len(deposits))

	for _, w := range withdrawals {
		folded := false
		for i, dep := range deposits {
			if usedDeposit[i] {
				continue
			}
			if math.Abs(w.amountUSD-dep.amountUSD) > migrateFoldToleranceUSD {
				continue
			}

			srcSnap, srcOK := snapshots[w.protocol]
			dstSnap, dstOK := snapshots[dep.protocol]
			if dstOK && w.amountUSD < dstSnap.MinDepositUSD {
				continue
			}
			if srcOK && dstOK && dstSnap.APY < srcSnap.APY+params.MinAPYImprovement {
				planLogger.Debug().
					Str("from", w.protocol).
					Str("to", dep.protocol).
					Float64("srcAPY", srcSnap.APY).
					Float64("dstAPY", dstSnap.APY).
					Msg("Migration edge below improvement margin, keeping funds in place")
				usedDeposit[i] = true
				folded = true
				break
			}

			gas := 0.0
			if srcOK {
				gas += srcSnap.WithdrawGasUSD
			}
			if dstOK {
				gas += dstSnap.DepositGasUSD
			}
			actions = append(actions, types.Action{
				Type:            types.ActionMigrate,
				FromProtocol:    w.protocol,
				ToProtocol:      dep.protocol,
				AmountUSD:       w.amountUSD,
				EstimatedGasUSD: gas,
			})
			usedDeposit[i] = true
			folded = true
			break
		}
		if folded {
			continue
		}

		gas := 0.0
		if snap, ok := snapshots[w.protocol]; ok {
			gas = snap.WithdrawGasUSD
		}
		actions = append(actions, types.Action{
			Type:            types.ActionWithdraw,
			Protocol:        w.protocol,
			AmountUSD:       w.amountUSD,
			EstimatedGasUSD: gas,
		})
	}

	for i, dep := range deposits {
		if usedDeposit[i] {
			continue
		}
		gas := 0.0
		if snap, ok := snapshots[dep.protocol]; ok {
			if dep.amountUSD < snap.MinDepositUSD {
				planLogger.Debug().
					Str("protocol", dep.protocol).
					Float64("amountUSD", dep.amountUSD).
					Float64("minDepositUSD", snap.MinDepositUSD).
					Msg("Deposit below protocol minimum, skipping")
				continue
			}
			gas = snap.DepositGasUSD
		}
		actions = append(actions, types.Action{
			Type:            types.ActionDeposit,
			Protocol:        dep.protocol,
			AmountUSD:       dep.amountUSD,
			EstimatedGasUSD: gas,
		})
	}

	return actions
}

// dropDust removes actions below the minimum move size.
func dropDust(actions []types.Action, minMoveUSD float64, planLogger zerolog.Logger) []types.Action {
	kept := actions[:0]
	for _, a := range actions {
		if a.AmountUSD < minMoveUSD {
			planLogger.Debug().
				Str("type", string(a.Type)).
				Float64("amountUSD", a.AmountUSD).
				Msg("Dropping dust action")
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// orderAndClamp orders all Withdraw/Migrate legs before Deposits, then walks
// the sequence simulating the idle balance, clamping any deposit that would
// need more than the freed-plus-idle funds available at its point in the
// order. The treasury never needs external capital mid-plan.
func orderAndClamp(actions []types.Action, treasury types.Treasury, planLogger zerolog.Logger) []types.Action {
	sort.SliceStable(actions, func(i, j int) bool {
		return actionRank(actions[i]) < actionRank(actions[j])
	})

	simulatedIdle := treasury.IdleBalance
	kept := actions[:0]
	for _, a := range actions {
		switch a.Type {
		case types.ActionWithdraw:
			simulatedIdle += a.AmountUSD
		case types.ActionMigrate:
			// Funds move pool-to-pool; idle balance is untouched.
		case types.ActionDeposit:
			if a.AmountUSD > simulatedIdle {
				planLogger.Warn().
					Str("protocol", a.Protocol).
					Float64("wantedUSD", a.AmountUSD).
					Float64("availableUSD", simulatedIdle).
					Msg("Clamping deposit to available idle balance")
				a.AmountUSD = simulatedIdle
			}
			if a.AmountUSD <= 0 {
				continue
			}
			simulatedIdle -= a.AmountUSD
		}
		kept = append(kept, a)
	}
	return kept
}

func actionRank(a types.Action) int {
	switch a.Type {
	case types.ActionWithdraw:
		return 0
	case types.ActionMigrate:
		return 1
	default:
		return 2
	}
}

// expectedGainOverHorizon projects the risk-adjusted yield improvement of
// the post-plan allocation over the amortization horizon, in USD.
func expectedGainOverHorizon(
	treasury types.Treasury,
	actions []types.Action,
	scores []scorer.Result,
	params types.EngineParameters,
) float64 {
	scoreByProtocol := make(map[string]float64, len(scores))
	for _, s := range scores {
		scoreByProtocol[s.Protocol] = s.Score
	}

	final := make(map[string]float64, len(treasury.Positions))
	for _, pos := range treasury.Positions {
		final[pos.Protocol] = pos.AmountUSD
	}
	before := annualYield(final, scoreByProtocol)

	for _, a := range actions {
		switch a.Type {
		case types.ActionDeposit:
			final[a.Protocol] += a.AmountUSD
		case types.ActionWithdraw:
			final[a.Protocol] -= a.AmountUSD
		case types.ActionMigrate:
			final[a.FromProtocol] -= a.AmountUSD
			final[a.ToProtocol] += a.AmountUSD
		}
	}
	after := annualYield(final, scoreByProtocol)

	horizon := float64(params.AmortizationHorizonSeconds) / secondsPerYear
	return (after - before) * horizon
}

func annualYield(amounts map[string]float64, scoreByProtocol map[string]float64) float64 {
	total := 0.0
	for protocol, amount := range amounts {
		if amount <= 0 {
			continue
		}
		total += amount * scoreByProtocol[protocol]
	}
	return total
}

func totalEstimatedGas(actions []types.Action) float64 {
	total := 0.0
	for _, a := range actions {
		total += a.EstimatedGasUSD
	}
	return total
}

func positionsByAscendingScore(positions []types.Position, scores []scorer.Result) []types.Position {
	scoreByProtocol := make(map[string]float64, len(scores))
	for _, s := range scores {
		scoreByProtocol[s.Protocol] = s.Score
	}
	ordered := make([]types.Position, len(positions))
	copy(ordered, positions)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, iOK := scoreByProtocol[ordered[i].Protocol]
		sj, jOK := scoreByProtocol[ordered[j].Protocol]
		if iOK != jOK {
			return !iOK // Unscored positions unwind first.
		}
		if si != sj {
			return si < sj
		}
		return ordered[i].Protocol < ordered[j].Protocol
	})
	return ordered
}

func newEmptyPlan(treasuryID types.TreasuryID) types.AllocationPlan {
	return types.AllocationPlan{
		PlanID:     uuid.New().String(),
		TreasuryID: treasuryID,
		Actions:    []types.Action{},
		CreatedAt:  time.Now(),
	}
}

// stampRequestIDs derives a deterministic request ID for every action from
// the plan ID and the action's position, so resubmission after a transient
// failure reuses the same idempotency key.
func stampRequestIDs(planID string, actions []types.Action) []types.Action {
	for i := range actions {
		actions[i].RequestID = uuid.NewSHA1(requestNamespace,
			[]byte(fmt.Sprintf("%s/%d", planID, i))).String()
	}
	return actions
}
