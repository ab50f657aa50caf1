// Package engine wires the exchange together and runs the order pipeline.
//
// Submissions flow through four stages connected by bounded channels:
//
//  1. Validator: per-role risk checks (position limits, instrument access,
//     rate limits). Rejections complete the caller's request immediately.
//  2. Matcher: the single goroutine that mutates books. Routes orders by
//     phase, runs opening auctions on phase transitions, sweeps the books
//     at the close, and completes accepted requests.
//  3. Publisher: computes fees and fans trades out to the websocket layer.
//  4. Position tracker: applies signed deltas to the position ledger.
//
// Matcher → publisher → tracker sends are blocking, so every fill's
// downstream effects are observed in pipeline order. The websocket
// channel is the one lossy edge: a slow feed consumer costs messages,
// never matching throughput.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsim/internal/config"
	"optionsim/internal/coordinator"
	"optionsim/internal/exchange"
	"optionsim/internal/fees"
	"optionsim/internal/market"
	"optionsim/internal/metrics"
	"optionsim/internal/risk"
	"optionsim/internal/store"
	"optionsim/pkg/types"
)

// stageItem is one order moving through the validator and matcher stages,
// carrying the coordinator handle that completes the caller's request.
type stageItem struct {
	order     *types.Order
	team      config.TeamConfig
	requestID string
}

// tradeEvent is one execution moving from the matcher to the publisher,
// with both counterparty roles resolved for fee lookup.
type tradeEvent struct {
	trade      types.Trade
	buyerRole  types.Role
	sellerRole types.Role
}

// positionDelta is one signed position change for the tracker stage.
type positionDelta struct {
	team   string
	symbol string
	delta  int64
}

// Engine owns every component and the pipeline goroutines.
type Engine struct {
	cfg       config.Config
	logger    *slog.Logger
	teams     map[string]config.TeamConfig
	phases    market.PhaseManager
	venue     *exchange.Venue
	validator *risk.Validator
	rate      *risk.Counter
	fees      *fees.Engine
	positions *store.Positions
	coord     *coordinator.Coordinator
	poller    *market.Poller
	metrics   *metrics.Collector

	validatorQ chan stageItem
	matcherQ   chan stageItem
	publisherQ chan tradeEvent
	positionQ  chan positionDelta
	outbound   chan types.WSMessage

	// submitMu fences intake against Stop: once stopping is set the
	// validator queue is closed and no submitter may send on it.
	submitMu sync.RWMutex
	stopping bool
	stopOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	stageWg sync.WaitGroup
	svcWg   sync.WaitGroup
}

// New creates an engine with the production phase schedule.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	schedule, err := market.NewSchedule(cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("build schedule: %w", err)
	}
	return NewWithPhases(cfg, schedule, logger)
}

// NewWithPhases creates an engine with an explicit phase manager. Tests
// inject fixed or scripted phases here; New is the production path.
func NewWithPhases(cfg config.Config, phases market.PhaseManager, logger *slog.Logger) (*Engine, error) {
	venue := exchange.NewVenue(phases, time.Now().UnixNano(), logger)
	for _, ic := range cfg.Instruments {
		inst := types.Instrument{
			Symbol:     ic.Symbol,
			Underlying: ic.Underlying,
			OptionType: types.OptionType(ic.OptionType),
			Strike:     decimal.NewFromFloat(ic.Strike),
			Expiry:     ic.Expiry,
		}
		if err := venue.ListInstrument(inst); err != nil {
			return nil, fmt.Errorf("list instruments: %w", err)
		}
	}

	feeEngine, err := fees.FromConfig(cfg.Roles)
	if err != nil {
		return nil, fmt.Errorf("build fee engine: %w", err)
	}

	validator := risk.NewValidator(logger)
	for name, rc := range cfg.Roles {
		if err := validator.Load(types.Role(name), rc.Constraints); err != nil {
			return nil, fmt.Errorf("load constraints: %w", err)
		}
	}

	positions := store.NewPositions()
	teams := make(map[string]config.TeamConfig, len(cfg.Teams))
	for _, t := range cfg.Teams {
		teams[t.ID] = t
		positions.InitializeTeam(t.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queueSize := cfg.Exchange.OrderQueueSize

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		teams:      teams,
		phases:     phases,
		venue:      venue,
		validator:  validator,
		rate:       risk.NewCounter(),
		fees:       feeEngine,
		positions:  positions,
		coord:      coordinator.New(cfg.Coordinator, logger),
		poller:     market.NewPoller(phases, cfg.Exchange.PhaseCheckInterval, logger),
		metrics:    metrics.NewCollector(),
		validatorQ: make(chan stageItem, queueSize),
		matcherQ:   make(chan stageItem, queueSize),
		publisherQ: make(chan tradeEvent, queueSize),
		positionQ:  make(chan positionDelta, 2*queueSize),
		outbound:   make(chan types.WSMessage, 256),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the pipeline stages, the phase poller, and the
// coordinator janitor.
func (e *Engine) Start() error {
	e.stageWg.Add(1)
	go func() {
		defer e.stageWg.Done()
		e.runValidator()
	}()

	e.stageWg.Add(1)
	go func() {
		defer e.stageWg.Done()
		e.runMatcher()
	}()

	e.stageWg.Add(1)
	go func() {
		defer e.stageWg.Done()
		e.runPublisher()
	}()

	e.stageWg.Add(1)
	go func() {
		defer e.stageWg.Done()
		e.runPositionTracker()
	}()

	e.svcWg.Add(1)
	go func() {
		defer e.svcWg.Done()
		e.poller.Run(e.ctx)
	}()

	e.svcWg.Add(1)
	go func() {
		defer e.svcWg.Done()
		e.coord.Run(e.ctx)
	}()

	e.logger.Info("engine started",
		"instruments", len(e.cfg.Instruments),
		"teams", len(e.teams),
		"queue_size", e.cfg.Exchange.OrderQueueSize)
	return nil
}

// Stop drains and shuts down: intake closes first, the stages drain in
// order (each closes its downstream queue on exit), then the remaining
// services stop. In-flight submissions complete normally; anything still
// pending afterwards is flushed with SERVICE_SHUTDOWN. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("shutting down...")

		e.submitMu.Lock()
		e.stopping = true
		close(e.validatorQ)
		e.submitMu.Unlock()

		e.stageWg.Wait()
		e.coord.Shutdown()
		e.cancel()
		e.svcWg.Wait()
		close(e.outbound)

		e.logger.Info("shutdown complete")
	})
}

// SubmitOrder carries one submission through the pipeline and blocks
// until its outcome lands or the coordinator times out. Safe for
// concurrent use; this is the API layer's entry point.
func (e *Engine) SubmitOrder(req types.SubmitOrderRequest) types.APIResponse {
	team, ok := e.teams[req.TeamID]
	if !ok {
		return e.reject("", types.ErrCodeUnknownTeam, fmt.Sprintf("team %s is not registered", req.TeamID))
	}

	order := &types.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		TeamID:        req.TeamID,
		Side:          req.Side,
		Type:          req.OrderType,
		Quantity:      req.Quantity,
	}
	if req.Price != "" {
		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			return e.reject("", types.ErrCodeInvalidPrice, fmt.Sprintf("unparseable price %q", req.Price))
		}
		order.Price = price
	}
	if apiErr := order.Validate(); apiErr != nil {
		e.metrics.RecordOrder(string(types.StatusRejected))
		e.metrics.RecordRejection(apiErr.Code)
		return failure("", apiErr)
	}

	requestID, err := e.coord.Register(req.TeamID)
	switch {
	case errors.Is(err, coordinator.ErrOverloaded):
		return e.reject("", types.ErrCodeOverloaded, "too many requests in flight")
	case errors.Is(err, coordinator.ErrShuttingDown):
		return e.reject("", types.ErrCodeShutdown, "service is shutting down")
	case err != nil:
		return e.reject("", types.ErrCodeOverloaded, err.Error())
	}
	e.metrics.SetPendingRequests(e.coord.PendingCount())

	if err := e.enqueue(stageItem{order: order, team: team, requestID: requestID}); err != nil {
		e.coord.Abort(requestID)
		if errors.Is(err, coordinator.ErrShuttingDown) {
			return e.reject(requestID, types.ErrCodeShutdown, "service is shutting down")
		}
		return e.reject(requestID, types.ErrCodeOverloaded, "order queue is full")
	}

	resp := e.coord.WaitForCompletion(requestID, 0)
	e.metrics.SetPendingRequests(e.coord.PendingCount())
	return resp
}

// enqueue hands an item to the validator queue, waiting up to the
// configured queue timeout when it is full.
func (e *Engine) enqueue(item stageItem) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if e.stopping {
		return coordinator.ErrShuttingDown
	}
	select {
	case e.validatorQ <- item:
		return nil
	case <-time.After(e.cfg.Exchange.OrderQueueTimeout):
		return coordinator.ErrOverloaded
	}
}

// CancelOrder removes a resting order owned by the team. The venue
// cannot tell a foreign order from an unknown one, and neither can the
// caller.
func (e *Engine) CancelOrder(req types.CancelOrderRequest) types.APIResponse {
	if e.venue.CancelOrder(req.OrderID, req.TeamID) {
		return types.APIResponse{
			Success:   true,
			OrderID:   req.OrderID,
			Timestamp: time.Now().UTC(),
		}
	}
	return failure("", &types.APIError{
		Code:    types.ErrCodeUnauthorized,
		Message: fmt.Sprintf("order %d not found, not owned, or not cancellable", req.OrderID),
	})
}

// Positions returns a copy of the team's signed positions.
func (e *Engine) Positions(team string) map[string]int64 {
	return e.positions.Snapshot(team)
}

// Book returns an aggregated depth snapshot for symbol.
func (e *Engine) Book(symbol string) (types.BookSnapshot, error) {
	return e.venue.OrderBook(symbol, e.cfg.Exchange.BookDepth)
}

// Trades returns the trade tape for symbol, oldest first.
func (e *Engine) Trades(symbol string) ([]types.Trade, error) {
	return e.venue.TradeHistory(symbol)
}

// Phase returns the current phase state.
func (e *Engine) Phase() types.PhaseState {
	return e.venue.Phase()
}

// Instruments returns the listed contracts.
func (e *Engine) Instruments() []types.Instrument {
	return e.venue.Instruments()
}

// TeamSecret returns the team's shared HMAC secret for request
// authentication.
func (e *Engine) TeamSecret(team string) (string, bool) {
	t, ok := e.teams[team]
	if !ok {
		return "", false
	}
	return t.APISecret, true
}

// Outbound returns the websocket fan-out channel. Closed on Stop.
func (e *Engine) Outbound() <-chan types.WSMessage {
	return e.outbound
}

// Metrics returns the engine's collector, for layers that record their
// own series (the websocket hub's client gauge).
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// MetricsHandler serves the prometheus scrape endpoint.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

func (e *Engine) reject(requestID, code, message string) types.APIResponse {
	e.metrics.RecordOrder(string(types.StatusRejected))
	e.metrics.RecordRejection(code)
	return failure(requestID, &types.APIError{Code: code, Message: message})
}

func failure(requestID string, apiErr *types.APIError) types.APIResponse {
	return types.APIResponse{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
		Timestamp: time.Now().UTC(),
	}
}
