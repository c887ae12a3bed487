package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/webspoilt/yieldroute/internal/engine"
	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes the engine's read model and the urgent liquidity
// endpoint over HTTP.
type WebServer struct {
	router    *mux.Router
	port      string
	engine    *engine.Engine
	store     state.Store
	adapters  *protocols.Set
	params    types.EngineParameters
	startTime time.Time
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, eng *engine.Engine, store state.Store, adapters *protocols.Set, params types.EngineParameters) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		engine:    eng,
		store:     store,
		adapters:  adapters,
		params:    params,
		startTime: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/treasuries", ws.handleListTreasuries).Methods("GET")
	api.HandleFunc("/treasuries/{id}", ws.handleGetTreasury).Methods("GET")
	api.HandleFunc("/treasuries/{id}/history", ws.handleGetHistory).Methods("GET")
	api.HandleFunc("/treasuries/{id}/liquidity", ws.handleRequestLiquidity).Methods("POST")
	api.HandleFunc("/protocols/rates", ws.handleGetRates).Methods("GET")
	api.HandleFunc("/parameters", ws.handleGetParameters).Methods("GET")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health plus a summary of what is managed.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	treasuries, err := ws.store.ListTreasuries()
	status := "healthy"
	if err != nil {
		status = "degraded"
		webLogger.Error().Err(err).Msg("Health check could not list treasuries")
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(ws.startTime).Seconds()),
		"treasuries":     len(treasuries),
		"protocols":      ws.adapters.Names(),
		"timestamp":      time.Now().UTC(),
	})
}

// treasuryView is the API shape of one treasury, with derived fields the
// dashboard wants precomputed.
type treasuryView struct {
	types.Treasury
	TotalBalanceUSD float64      `json:"total_balance_usd"`
	ReserveFloorUSD float64      `json:"reserve_floor_usd"`
	Phase           engine.Phase `json:"phase"`
	WeightedAPY     *float64     `json:"weighted_apy,omitempty"`
}

func (ws *WebServer) treasuryView(treasury types.Treasury, snapshots map[string]types.ProtocolSnapshot) treasuryView {
	view := treasuryView{
		Treasury:        treasury,
		TotalBalanceUSD: treasury.TotalBalance(),
		ReserveFloorUSD: treasury.ReserveFloor(),
		Phase:           ws.engine.TreasuryPhase(treasury.ID),
	}
	if snapshots != nil {
		apy := treasury.WeightedAPY(snapshots)
		view.WeightedAPY = &apy
	}
	return view
}

func (ws *WebServer) handleListTreasuries(w http.ResponseWriter, r *http.Request) {
	treasuries, err := ws.store.ListTreasuries()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list treasuries")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to list treasuries")
		return
	}

	// Snapshots here are cosmetic (weighted APY); a snapshot failure must
	// not take the listing down with it.
	snapshots, err := ws.adapters.SnapshotAll(r.Context())
	if err != nil {
		webLogger.Warn().Err(err).Msg("Snapshots unavailable, omitting weighted APY")
		snapshots = nil
	}

	views := make([]treasuryView, 0, len(treasuries))
	for _, treasury := range treasuries {
		views = append(views, ws.treasuryView(treasury, snapshots))
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"treasuries": views,
		"count":      len(views),
	})
}

func (ws *WebServer) handleGetTreasury(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	treasury, err := ws.store.GetTreasury(types.TreasuryID(vars["id"]))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			ws.writeErrorResponse(w, http.StatusNotFound, "treasury not found")
			return
		}
		webLogger.Error().Err(err).Msg("Failed to load treasury")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to load treasury")
		return
	}

	snapshots, err := ws.adapters.SnapshotAll(r.Context())
	if err != nil {
		snapshots = nil
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.treasuryView(treasury, snapshots))
}

func (ws *WebServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	treasuryID := types.TreasuryID(vars["id"])

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ws.writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := ws.store.ListRebalanceRecords(treasuryID, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list rebalance records")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to list rebalance history")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"treasury_id": treasuryID,
		"records":     records,
		"count":       len(records),
	})
}

type liquidityRequest struct {
	AmountUSD float64 `json:"amount_usd"`
}

// handleRequestLiquidity is the urgent path: a merchant payout needs idle
// funds now. The call blocks until the withdrawals settle or fail; when the
// treasury is mid-execution the request is queued engine-side and the
// response carries a fulfillment estimate instead of an error.
func (ws *WebServer) handleRequestLiquidity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	treasuryID := types.TreasuryID(vars["id"])

	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AmountUSD <= 0 {
		ws.writeErrorResponse(w, http.StatusBadRequest, "amount_usd must be positive")
		return
	}

	result, err := ws.engine.RequestLiquidity(r.Context(), treasuryID, req.AmountUSD)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotFound):
			ws.writeErrorResponse(w, http.StatusNotFound, "treasury not found")
		default:
			webLogger.Error().Err(err).Msg("Urgent liquidity request failed")
			ws.writeErrorResponse(w, http.StatusInternalServerError, "liquidity request failed")
		}
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, result)
}

func (ws *WebServer) handleGetRates(w http.ResponseWriter, r *http.Request) {
	snapshots, err := ws.adapters.SnapshotAll(r.Context())
	if err != nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "protocol data unavailable")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"protocols": snapshots,
		"count":     len(snapshots),
	})
}

func (ws *WebServer) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.params)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
