/*

This file contains the HTTP client for the external transaction signer. The
engine never holds keys: adapters build unsigned transaction intents and this
client submits them for signing and broadcast, then maps the signer's verdict
onto the engine's error taxonomy.

*/

package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/types"
	"github.com/webspoilt/yieldroute/internal/utils"
)

var signerLogger = logger.GetForComponent("tx_signer")

// Operation is the intent verb submitted to the signer.
type Operation string

const (
	OperationDeposit  Operation = "DEPOSIT"
	OperationWithdraw Operation = "WITHDRAW"
)

// Intent is one unsigned transaction intent. RequestID is deterministic per
// plan action so resubmitting the same intent is idempotent on the signer
// side and can never double-spend.
type Intent struct {
	RequestID     string      `json:"request_id"`
	ChainID       string      `json:"chain_id"`
	WalletAddress string      `json:"wallet_address"`
	Protocol      string      `json:"protocol"`
	Operation     Operation   `json:"operation"`
	Amount        sdkmath.Int `json:"amount"` // Base units of the settlement asset
	AssetSymbol   string      `json:"asset_symbol"`
}

// Client submits intents to the signer service over JSON/HTTP.
type Client struct {
	baseURL    string
	chainID    string
	precision  int
	httpClient *http.Client
}

// NewClient creates a signer client. Every call is bounded by timeout and
// fails as Timeout when the bound is hit.
func NewClient(baseURL, chainID string, precision int, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("signer base URL cannot be empty")
	}
	if chainID == "" {
		return nil, errors.New("chain ID cannot be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		chainID:    chainID,
		precision:  precision,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type intentResponse struct {
	Status        string  `json:"status"` // "confirmed", "pending", "failed"
	TxHash        string  `json:"tx_hash,omitempty"`
	ActualAmount  string  `json:"actual_amount,omitempty"` // Base units
	GasSpentUSD   float64 `json:"gas_spent_usd,omitempty"`
	PendingHandle string  `json:"pending_handle,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// Submit signs and broadcasts one intent. A PENDING result carries a handle
// the caller must poll with Poll until it settles.
func (c *Client) Submit(ctx context.Context, intent Intent) (*types.TxResult, error) {
	if intent.RequestID == "" {
		return nil, errors.New("intent request ID cannot be empty")
	}
	if intent.Amount.IsNil() || !intent.Amount.IsPositive() {
		return nil, fmt.Errorf("intent amount must be positive, got %s", intent.Amount)
	}
	intent.ChainID = c.chainID

	body, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/intents", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build signer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		signerLogger.Warn().Err(err).Str("requestID", intent.RequestID).Msg("Signer submission failed")
		return nil, errors.Join(types.ErrTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Join(types.ErrTimeout,
			fmt.Errorf("signer returned status %d for intent %s", resp.StatusCode, intent.RequestID))
	}

	var ir intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("failed to decode signer response: %w", err)
	}

	return c.toTxResult(ir)
}

// Poll checks a pending intent by its handle.
func (c *Client) Poll(ctx context.Context, handle string) (*types.TxResult, error) {
	if handle == "" {
		return nil, errors.New("pending handle cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/intents/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Join(types.ErrTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Join(types.ErrTimeout,
			fmt.Errorf("signer returned status %d polling handle %s", resp.StatusCode, handle))
	}

	var ir intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}

	return c.toTxResult(ir)
}

// toTxResult maps a signer verdict onto the engine's result and error
// taxonomy. Failure reasons the signer does not classify fall through as
// Reverted: an unknown on-chain failure must stop the plan, not retry.
func (c *Client) toTxResult(ir intentResponse) (*types.TxResult, error) {
	switch ir.Status {
	case "confirmed":
		actual := 0.0
		if ir.ActualAmount != "" {
			amt, ok := sdkmath.NewIntFromString(ir.ActualAmount)
			if !ok {
				return nil, fmt.Errorf("signer returned unparseable actual amount: %s", ir.ActualAmount)
			}
			f, err := utils.BaseUnitsToFloat64(amt, c.precision)
			if err != nil {
				return nil, fmt.Errorf("failed to convert actual amount: %w", err)
			}
			actual = f
		}
		return &types.TxResult{
			Status:          types.TxConfirmed,
			TxHash:          ir.TxHash,
			ActualAmountUSD: actual,
			GasSpentUSD:     ir.GasSpentUSD,
		}, nil
	case "pending":
		if ir.PendingHandle == "" {
			return nil, errors.New("signer returned pending status without a handle")
		}
		return &types.TxResult{
			Status:        types.TxPending,
			TxHash:        ir.TxHash,
			PendingHandle: ir.PendingHandle,
		}, nil
	case "failed":
		switch ir.FailureReason {
		case "insufficient_liquidity":
			return nil, types.ErrInsufficientLiquidity
		case "slippage_exceeded":
			return nil, types.ErrSlippageExceeded
		case "timeout":
			return nil, types.ErrTimeout
		case "reverted":
			return nil, types.ErrReverted
		default:
			return nil, errors.Join(types.ErrReverted,
				fmt.Errorf("signer reported unclassified failure: %s", ir.FailureReason))
		}
	default:
		return nil, fmt.Errorf("signer returned unknown status: %q", ir.Status)
	}
}
