package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"optionsim/internal/metrics"
	"optionsim/pkg/types"
)

// Engine is the surface the transport layer needs from the trading
// core. engine.Engine satisfies it; tests substitute fakes.
type Engine interface {
	SubmitOrder(req types.SubmitOrderRequest) types.APIResponse
	CancelOrder(req types.CancelOrderRequest) types.APIResponse
	Positions(team string) map[string]int64
	Book(symbol string) (types.BookSnapshot, error)
	Trades(symbol string) ([]types.Trade, error)
	Phase() types.PhaseState
	Instruments() []types.Instrument
	TeamSecret(team string) (string, bool)
	Outbound() <-chan types.WSMessage
	Metrics() *metrics.Collector
	MetricsHandler() http.Handler
}

const (
	errCodeMalformed = "MALFORMED_REQUEST"

	maxBodySize = 64 * 1024
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	engine   Engine
	verifier *Verifier
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance. allowedOrigins restricts
// websocket upgrades; empty or "*" admits any origin.
func NewHandlers(engine Engine, verifier *Verifier, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return &Handlers{
		engine:   engine,
		verifier: verifier,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowAll || origins[r.Header.Get("Origin")]
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSubmitOrder accepts one order submission and blocks until the
// pipeline produces its outcome.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	team, body, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req types.SubmitOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(&types.APIError{
			Code:    errCodeMalformed,
			Message: "unparseable request body",
			Details: err.Error(),
		}))
		return
	}
	if req.TeamID != "" && req.TeamID != team {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse(&types.APIError{
			Code:    errCodeUnauthorized,
			Message: "body team_id does not match the authenticated team",
		}))
		return
	}
	req.TeamID = team

	resp := h.engine.SubmitOrder(req)
	h.writeJSON(w, statusFor(resp), resp)
}

// HandleCancelOrder removes a resting order owned by the caller.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	team, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(&types.APIError{
			Code:    errCodeMalformed,
			Message: "order id must be a positive integer",
		}))
		return
	}

	resp := h.engine.CancelOrder(types.CancelOrderRequest{TeamID: team, OrderID: id})
	h.writeJSON(w, statusFor(resp), resp)
}

// HandlePositions returns the authenticated team's signed positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	team, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data: map[string]any{
			"team":      team,
			"positions": h.engine.Positions(team),
		},
		Timestamp: time.Now().UTC(),
	})
}

// HandleBook returns aggregated depth for ?symbol=. Market data is
// public; no authentication.
func (h *Handlers) HandleBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(&types.APIError{
			Code:    errCodeMalformed,
			Message: "symbol query parameter is required",
		}))
		return
	}
	snap, err := h.engine.Book(symbol)
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, errorResponse(asAPIError(err)))
		return
	}
	h.writeJSON(w, http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      snap,
		Timestamp: time.Now().UTC(),
	})
}

// HandleTrades returns the trade tape for ?symbol=, oldest first.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(&types.APIError{
			Code:    errCodeMalformed,
			Message: "symbol query parameter is required",
		}))
		return
	}
	trades, err := h.engine.Trades(symbol)
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, errorResponse(asAPIError(err)))
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	h.writeJSON(w, http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      trades,
		Timestamp: time.Now().UTC(),
	})
}

// HandlePhase returns the current market phase and its capabilities.
func (h *Handlers) HandlePhase(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      h.engine.Phase(),
		Timestamp: time.Now().UTC(),
	})
}

// HandleInstruments returns the listed contracts.
func (h *Handlers) HandleInstruments(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      h.engine.Instruments(),
		Timestamp: time.Now().UTC(),
	})
}

// HandleWebSocket upgrades the connection and registers it with the
// hub. The first message delivered is the current phase state so new
// consumers can orient themselves.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	state := h.engine.Phase()
	data, err := json.Marshal(types.WSPhaseMsg{
		EventType: "phase",
		Phase:     state.Phase,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to marshal initial phase", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial phase to client")
	}
}

// authenticate verifies the request headers against the body actually
// received. On failure it writes the 401 response itself and returns
// ok=false.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (team string, body []byte, ok bool) {
	var err error
	body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(&types.APIError{
			Code:    errCodeMalformed,
			Message: "failed to read request body",
		}))
		return "", nil, false
	}

	team = r.Header.Get(types.HeaderTeam)
	apiErr := h.verifier.Verify(
		team,
		r.Header.Get(types.HeaderTimestamp),
		r.Header.Get(types.HeaderSignature),
		r.Method, r.URL.Path, body, time.Now())
	if apiErr != nil {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse(apiErr))
		return "", nil, false
	}
	return team, body, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// statusFor maps an engine response to an HTTP status. Game-level
// rejections travel inside a 200 envelope; only transport-level
// failures surface as HTTP errors.
func statusFor(resp types.APIResponse) int {
	if resp.Success || resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case types.ErrCodeOverloaded, types.ErrCodeShutdown:
		return http.StatusServiceUnavailable
	case types.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusOK
	}
}

func errorResponse(apiErr *types.APIError) types.APIResponse {
	return types.APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now().UTC(),
	}
}

func asAPIError(err error) *types.APIError {
	if apiErr, ok := err.(*types.APIError); ok {
		return apiErr
	}
	return &types.APIError{Code: errCodeMalformed, Message: err.Error()}
}
