/*

This file contains the lending-pool adapter. One instance is configured per
deployed market (Aave v3, Compound v3, ...); the instances differ only in
protocol identifier and configured risk tier, because all supported markets
are reached the same way: market data from the indexer, fund movement through
the signer.

*/

package protocols

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/oracle"
	"github.com/webspoilt/yieldroute/internal/signer"
	"github.com/webspoilt/yieldroute/internal/types"
	"github.com/webspoilt/yieldroute/internal/utils"
)

// LendingConfig describes one lending market the engine may route funds into.
type LendingConfig struct {
	// Protocol is the market identifier understood by the indexer and
	// signer (e.g., "aave-v3", "compound-v3").
	Protocol string
	// RiskTier is assigned by configuration, not computed.
	RiskTier types.RiskTier
	// AssetSymbol and Precision describe the settlement stablecoin.
	AssetSymbol string
	Precision   int
	// PendingPollInterval is the cadence for polling PENDING results.
	PendingPollInterval time.Duration
}

// LendingAdapter implements Adapter for a single lending market.
type LendingAdapter struct {
	cfg    LendingConfig
	oracle *oracle.Client
	signer *signer.Client
	logger zerolog.Logger
}

// NewLendingAdapter validates the config and builds an adapter.
func NewLendingAdapter(cfg LendingConfig, oracleClient *oracle.Client, signerClient *signer.Client) (*LendingAdapter, error) {
	if cfg.Protocol == "" {
		return nil, errors.New("lending adapter requires a protocol identifier")
	}
	if !cfg.RiskTier.Valid() {
		return nil, fmt.Errorf("lending adapter %s has invalid risk tier %q", cfg.Protocol, cfg.RiskTier)
	}
	if cfg.AssetSymbol == "" {
		return nil, fmt.Errorf("lending adapter %s requires an asset symbol", cfg.Protocol)
	}
	if oracleClient == nil {
		return nil, errors.New("oracle client cannot be nil")
	}
	if signerClient == nil {
		return nil, errors.New("signer client cannot be nil")
	}
	if cfg.PendingPollInterval <= 0 {
		cfg.PendingPollInterval = 2 * time.Second
	}
	return &LendingAdapter{
		cfg:    cfg,
		oracle: oracleClient,
		signer: signerClient,
		logger: logger.GetForComponent("adapter_" + cfg.Protocol),
	}, nil
}

func (a *LendingAdapter) Name() string {
	return a.cfg.Protocol
}

// DeterministicRequests is true: the signer treats the request ID as an
// idempotency key, so a resubmitted intent can never double-spend.
func (a *LendingAdapter) DeterministicRequests() bool {
	return true
}

// Snapshot fetches current market data and stamps on the configured tier.
func (a *LendingAdapter) Snapshot(ctx context.Context) (types.ProtocolSnapshot, error) {
	snap, err := a.oracle.GetMarket(ctx, a.cfg.Protocol)
	if err != nil {
		return types.ProtocolSnapshot{}, err
	}
	snap.RiskTier = a.cfg.RiskTier
	return snap, nil
}

func (a *LendingAdapter) Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return a.execute(ctx, signer.OperationDeposit, requestID, wallet, amountUSD)
}

func (a *LendingAdapter) Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return a.execute(ctx, signer.OperationWithdraw, requestID, wallet, amountUSD)
}

// execute submits one intent and waits for settlement. PENDING results are
// polled until they settle or ctx expires; hitting the deadline classifies
// as Timeout so the executor can apply its bounded-retry policy.
func (a *LendingAdapter) execute(ctx context.Context, op signer.Operation, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	if wallet == "" {
		return nil, errors.New("wallet address cannot be empty")
	}
	if amountUSD <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %f", amountUSD)
	}

	amount, err := utils.Float64ToBaseUnits(amountUSD, a.cfg.Precision)
	if err != nil {
		return nil, fmt.Errorf("failed to convert amount for %s: %w", a.cfg.Protocol, err)
	}

	result, err := a.signer.Submit(ctx, signer.Intent{
		RequestID:     requestID,
		WalletAddress: wallet,
		Protocol:      a.cfg.Protocol,
		Operation:     op,
		Amount:        amount,
		AssetSymbol:   a.cfg.AssetSymbol,
	})
	if err != nil {
		return nil, err
	}

	result, err = a.awaitSettlement(ctx, result)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("operation", string(op)).
		Str("requestID", requestID).
		Float64("amountUSD", amountUSD).
		Str("txHash", result.TxHash).
		Float64("gasSpentUSD", result.GasSpentUSD).
		Msg("Intent settled")
	return result, nil
}

// PollPending checks a pending intent once.
func (a *LendingAdapter) PollPending(ctx context.Context, handle string) (*types.TxResult, error) {
	return a.signer.Poll(ctx, handle)
}

func (a *LendingAdapter) awaitSettlement(ctx context.Context, result *types.TxResult) (*types.TxResult, error) {
	ticker := time.NewTicker(a.cfg.PendingPollInterval)
	defer ticker.Stop()

	for result.Status == types.TxPending {
		a.logger.Debug().Str("handle", result.PendingHandle).Msg("Awaiting pending transaction")
		select {
		case <-ctx.Done():
			return nil, errors.Join(types.ErrTimeout,
				fmt.Errorf("gave up polling pending handle %s: %w", result.PendingHandle, ctx.Err()))
		case <-ticker.C:
		}

		polled, err := a.signer.Poll(ctx, result.PendingHandle)
		if err != nil {
			if types.IsTransient(err) {
				// Keep polling: the handle is still live on the signer side.
				continue
			}
			return nil, err
		}
		if polled.Status == types.TxPending && polled.PendingHandle == "" {
			polled.PendingHandle = result.PendingHandle
		}
		result = polled
	}
	return result, nil
}
