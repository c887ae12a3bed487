/*

This file contains the HTTP client for the external blockchain indexer. The
indexer is the engine's only source of on-chain truth: wallet balances for
reconciliation and per-protocol market data for snapshots. It is a read-only
collaborator; nothing here mutates chain state.

*/

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/types"
)

var oracleLogger = logger.GetForComponent("balance_oracle")

// Client queries the external indexer over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an indexer client. Every request is bounded by timeout;
// a request that cannot complete inside it fails as OracleUnavailable.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("indexer base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid indexer base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type balanceResponse struct {
	Address     string  `json:"address"`
	TotalUSD    float64 `json:"total_usd"`
	BlockHeight int64   `json:"block_height"`
}

// GetBalance returns the chain-observed total USD balance for a treasury
// wallet, including funds deposited through this engine. Used by the planner
// to reconcile internal bookkeeping against chain truth.
func (c *Client) GetBalance(ctx context.Context, chainAddress string) (float64, error) {
	var resp balanceResponse
	if err := c.doGet(ctx, "/v1/balances/"+url.PathEscape(chainAddress), &resp); err != nil {
		return 0, err
	}
	if resp.TotalUSD < 0 {
		return 0, fmt.Errorf("indexer returned negative balance for %s: %f", chainAddress, resp.TotalUSD)
	}
	return resp.TotalUSD, nil
}

type marketResponse struct {
	Protocol           string  `json:"protocol"`
	SupplyAPY          float64 `json:"supply_apy"`
	AvailableLiquidity float64 `json:"available_liquidity_usd"`
	Utilization        float64 `json:"utilization"`
	MinDepositUSD      float64 `json:"min_deposit_usd"`
	MaxDepositUSD      float64 `json:"max_deposit_usd"`
	DepositGasUSD      float64 `json:"deposit_gas_usd"`
	WithdrawGasUSD     float64 `json:"withdraw_gas_usd"`
}

// GetMarket returns current market data for one lending protocol. The risk
// tier is configuration, not market data, so the caller stamps it on.
func (c *Client) GetMarket(ctx context.Context, protocol string) (types.ProtocolSnapshot, error) {
	var resp marketResponse
	if err := c.doGet(ctx, "/v1/markets/"+url.PathEscape(protocol), &resp); err != nil {
		return types.ProtocolSnapshot{}, err
	}

	snap := types.ProtocolSnapshot{
		Protocol:           protocol,
		APY:                resp.SupplyAPY,
		AvailableLiquidity: resp.AvailableLiquidity,
		Utilization:        resp.Utilization,
		MinDepositUSD:      resp.MinDepositUSD,
		MaxDepositUSD:      resp.MaxDepositUSD,
		DepositGasUSD:      resp.DepositGasUSD,
		WithdrawGasUSD:     resp.WithdrawGasUSD,
		FetchedAt:          time.Now(),
	}
	return snap, nil
}

// doGet performs a bounded GET and decodes the JSON body. Any transport or
// server failure is classified OracleUnavailable so callers can retry with
// backoff; non-2xx responses carry the status for the logs.
func (c *Client) doGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build indexer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		oracleLogger.Warn().Err(err).Str("path", path).Msg("Indexer request failed")
		return errors.Join(types.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oracleLogger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Indexer returned non-2xx status")
		return errors.Join(types.ErrOracleUnavailable,
			fmt.Errorf("indexer returned status %d for %s", resp.StatusCode, path))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(types.ErrOracleUnavailable,
			fmt.Errorf("failed to decode indexer response for %s: %w", path, err))
	}
	return nil
}
