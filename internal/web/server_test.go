package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webspoilt/yieldroute/internal/engine"
	"github.com/webspoilt/yieldroute/internal/lock"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

type stubAdapter struct {
	snap types.ProtocolSnapshot
}

func (a *stubAdapter) Name() string { return a.snap.Protocol }

func (a *stubAdapter) Snapshot(ctx context.Context) (types.ProtocolSnapshot, error) {
	return a.snap, nil
}

func (a *stubAdapter) Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return &types.TxResult{Status: types.TxConfirmed, TxHash: "0xdep", ActualAmountUSD: amountUSD}, nil
}

func (a *stubAdapter) Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error) {
	return &types.TxResult{Status: types.TxConfirmed, TxHash: "0xwdr", ActualAmountUSD: amountUSD}, nil
}

func (a *stubAdapter) PollPending(ctx context.Context, handle string) (*types.TxResult, error) {
	return &types.TxResult{Status: types.TxConfirmed, TxHash: handle}, nil
}

func (a *stubAdapter) DeterministicRequests() bool { return true }

type stubBalance struct{ totalUSD float64 }

func (b *stubBalance) GetBalance(ctx context.Context, chainAddress string) (float64, error) {
	return b.totalUSD, nil
}

func newTestServer(t *testing.T, store state.Store) *WebServer {
	t.Helper()
	set, err := protocols.NewSet(&stubAdapter{snap: types.ProtocolSnapshot{
		Protocol:           "aave-v3",
		APY:                0.045,
		AvailableLiquidity: 1_000_000,
		RiskTier:           types.RiskTierLow,
		FetchedAt:          time.Now(),
	}})
	require.NoError(t, err)

	params := types.EngineParameters{
		PollIntervalSeconds:   300,
		MaxWorkers:            2,
		DefaultReserveRatio:   0.10,
		MaxAttempts:           1,
		LockLeaseSeconds:      60,
		ReconcileToleranceUSD: 1,
		MaxHistoryPerTreasury: 10,
	}
	eng, err := engine.New(engine.Config{
		Adapters: set,
		Store:    store,
		Balances: &stubBalance{totalUSD: 1_000},
		Locks:    lock.NewMemoryManager(),
		Params:   params,
	})
	require.NoError(t, err)

	return NewWebServer("0", eng, store, set, params)
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t, state.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleGetTreasury_NotFound(t *testing.T) {
	server := newTestServer(t, state.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/treasuries/missing", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTreasuries(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  500,
		ReserveRatio: 0.10,
		Positions:    []types.Position{{Protocol: "aave-v3", AmountUSD: 1_500}},
	}))
	server := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/treasuries", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count      int `json:"count"`
		Treasuries []struct {
			ID              string  `json:"id"`
			TotalBalanceUSD float64 `json:"total_balance_usd"`
			Phase           string  `json:"phase"`
		} `json:"treasuries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "treasury-1", body.Treasuries[0].ID)
	assert.InDelta(t, 2_000, body.Treasuries[0].TotalBalanceUSD, 1e-9)
	assert.Equal(t, string(engine.PhaseIdle), body.Treasuries[0].Phase)
}

func TestHandleRequestLiquidity(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveTreasury(types.Treasury{
		ID:           "treasury-1",
		ChainAddress: "0xwallet",
		IdleBalance:  1_000,
	}))
	server := newTestServer(t, store)

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/treasuries/treasury-1/liquidity",
			strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		server.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/treasuries/treasury-1/liquidity",
			strings.NewReader(`{"amount_usd": -5}`))
		rec := httptest.NewRecorder()
		server.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("covered by idle balance", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/treasuries/treasury-1/liquidity",
			strings.NewReader(`{"amount_usd": 800}`))
		rec := httptest.NewRecorder()
		server.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var result engine.LiquidityResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.ImmediatelyAvailable)
	})

	t.Run("unknown treasury", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/treasuries/ghost/liquidity",
			strings.NewReader(`{"amount_usd": 100}`))
		rec := httptest.NewRecorder()
		server.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleGetRates(t *testing.T) {
	server := newTestServer(t, state.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/protocols/rates", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count     int                               `json:"count"`
		Protocols map[string]types.ProtocolSnapshot `json:"protocols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.InDelta(t, 0.045, body.Protocols["aave-v3"].APY, 1e-9)
}
