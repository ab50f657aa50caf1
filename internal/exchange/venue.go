// Package exchange implements the venue: the instrument registry, one
// order book per instrument, phase-routed order intake, and the trade
// tape.
//
// Order flow through the venue:
//  1. SubmitOrder fetches the current phase. Submissions outside an open
//     window are rejected with MARKET_CLOSED.
//  2. In the pre-open window (batch execution) orders park on the book
//     unmatched and are acknowledged as accepted.
//  3. In continuous trading the order runs through the continuous engine
//     immediately and the fills are returned to the caller.
//
// The matcher pipeline stage is the only caller of the mutating order
// paths; snapshot reads arrive concurrently from the API layer, so every
// entry point takes the venue lock. Books themselves are unsynchronized.
package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsim/internal/market"
	"optionsim/internal/matching"
	"optionsim/pkg/types"
)

// Venue owns all per-instrument state. Order IDs double as arrival
// sequence numbers: one counter, assigned under the lock, drives both
// identity and time priority.
type Venue struct {
	mu      sync.RWMutex
	phases  market.PhaseManager
	cont    *matching.Continuous
	auction *matching.Auction
	logger  *slog.Logger

	instruments map[string]types.Instrument
	books       map[string]*market.Book
	history     map[string][]types.Trade
	lastPrice   map[string]decimal.Decimal
	seq         uint64
}

// NewVenue creates an empty venue. auctionSeed feeds the batch engine's
// marginal-order shuffle; fix it to make auction allocation reproducible.
func NewVenue(phases market.PhaseManager, auctionSeed int64, logger *slog.Logger) *Venue {
	return &Venue{
		phases:      phases,
		cont:        matching.NewContinuous(),
		auction:     matching.NewAuction(auctionSeed),
		logger:      logger.With("component", "venue"),
		instruments: make(map[string]types.Instrument),
		books:       make(map[string]*market.Book),
		history:     make(map[string][]types.Trade),
		lastPrice:   make(map[string]decimal.Decimal),
	}
}

// ListInstrument registers a contract and creates its book. The
// instrument set is fixed before trading starts; listing is not exposed
// to teams.
func (v *Venue) ListInstrument(inst types.Instrument) error {
	if err := inst.Validate(); err != nil {
		return fmt.Errorf("list %s: %w", inst.Symbol, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.instruments[inst.Symbol]; exists {
		return fmt.Errorf("instrument %s already listed", inst.Symbol)
	}
	v.instruments[inst.Symbol] = inst
	v.books[inst.Symbol] = market.NewBook(inst.Symbol)
	v.logger.Info("instrument listed", "symbol", inst.Symbol, "underlying", inst.Underlying, "type", inst.OptionType)
	return nil
}

// HasInstrument reports whether symbol is listed.
func (v *Venue) HasInstrument(symbol string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.instruments[symbol]
	return ok
}

// Instruments returns all listed contracts, sorted by symbol.
func (v *Venue) Instruments() []types.Instrument {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.Instrument, 0, len(v.instruments))
	for _, inst := range v.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Phase returns the venue's current phase state.
func (v *Venue) Phase() types.PhaseState {
	return v.phases.StateAt(time.Now())
}

// SubmitOrder accepts one order, assigns its ID and arrival sequence, and
// routes it by the current phase. The returned error is nil exactly when
// the order was accepted (resting, parked, or matched).
func (v *Venue) SubmitOrder(o *types.Order) (matching.Result, *types.APIError) {
	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.phases.StateAt(time.Now())
	if !state.AllowSubmit {
		return rejected(), &types.APIError{
			Code:    types.ErrCodeMarketClosed,
			Message: "order submission is not accepted in the current phase",
			Details: "phase " + string(state.Phase),
		}
	}
	book, ok := v.books[o.Symbol]
	if !ok {
		return rejected(), &types.APIError{
			Code:    types.ErrCodeUnknownInstrument,
			Message: fmt.Sprintf("instrument %s is not listed", o.Symbol),
		}
	}
	if apiErr := o.Validate(); apiErr != nil {
		return rejected(), apiErr
	}

	v.seq++
	o.ID = v.seq
	o.Seq = v.seq
	o.Remaining = o.Quantity
	o.SubmittedAt = time.Now().UTC()

	if state.Execution == types.ExecBatch {
		if err := book.Add(o); err != nil {
			panic(fmt.Sprintf("park order %d: %v", o.ID, err))
		}
		return matching.Result{Remaining: o.Remaining, Status: types.StatusAccepted}, nil
	}

	res := v.cont.Match(book, o)
	v.recordTradesLocked(o.Symbol, res.Fills)
	if book.Crossed() {
		panic(fmt.Sprintf("book %s crossed after continuous match of order %d", o.Symbol, o.ID))
	}
	return res, nil
}

func rejected() matching.Result {
	return matching.Result{Status: types.StatusRejected}
}

// CancelOrder removes a resting order owned by teamID. False covers
// unknown IDs, filled orders, foreign orders, and phases that disallow
// cancellation; callers cannot tell these apart.
func (v *Venue) CancelOrder(id uint64, teamID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.phases.StateAt(time.Now()).AllowCancel {
		return false
	}
	for _, book := range v.books {
		if o, ok := book.Cancel(id, teamID); ok {
			v.logger.Info("order cancelled", "order_id", o.ID, "team", teamID, "symbol", o.Symbol, "remaining", o.Remaining)
			return true
		}
	}
	return false
}

// ExecuteOpeningAuction clears every book through the batch engine and
// returns all resulting trades. Books clear in symbol order so a fixed
// auction seed yields a fixed allocation across the whole venue.
func (v *Venue) ExecuteOpeningAuction() []types.Trade {
	v.mu.Lock()
	defer v.mu.Unlock()

	var all []types.Trade
	for _, symbol := range v.symbolsLocked() {
		book := v.books[symbol]
		var ref *decimal.Decimal
		if p, ok := v.lastPrice[symbol]; ok {
			ref = &p
		}
		res := v.auction.Run(book, ref)
		if book.Crossed() {
			panic(fmt.Sprintf("book %s crossed after auction", symbol))
		}
		if len(res.Trades) == 0 {
			continue
		}
		v.recordTradesLocked(symbol, res.Trades)
		v.logger.Info("opening auction cleared",
			"symbol", symbol,
			"clearing_price", res.ClearingPrice,
			"volume", res.Volume,
			"imbalance", res.Imbalance,
			"trades", len(res.Trades))
		all = append(all, res.Trades...)
	}
	return all
}

// CancelAllOrders clears every resting order on every book. Called when
// the market transitions to closed. Returns the number of orders swept.
func (v *Venue) CancelAllOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, book := range v.books {
		n += len(book.CancelAll())
	}
	if n > 0 {
		v.logger.Info("cancelled all resting orders", "count", n)
	}
	return n
}

// OrderBook returns an aggregated depth snapshot.
func (v *Venue) OrderBook(symbol string, maxLevels int) (types.BookSnapshot, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	book, ok := v.books[symbol]
	if !ok {
		return types.BookSnapshot{}, &types.APIError{
			Code:    types.ErrCodeUnknownInstrument,
			Message: fmt.Sprintf("instrument %s is not listed", symbol),
		}
	}
	return book.Depth(maxLevels), nil
}

// TradeHistory returns a copy of the instrument's trade tape, oldest
// first.
func (v *Venue) TradeHistory(symbol string) ([]types.Trade, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.books[symbol]; !ok {
		return nil, &types.APIError{
			Code:    types.ErrCodeUnknownInstrument,
			Message: fmt.Sprintf("instrument %s is not listed", symbol),
		}
	}
	out := make([]types.Trade, len(v.history[symbol]))
	copy(out, v.history[symbol])
	return out, nil
}

// LastPrice returns the most recent trade price for symbol, from either
// execution model. Used as the auction reference.
func (v *Venue) LastPrice(symbol string) (decimal.Decimal, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.lastPrice[symbol]
	return p, ok
}

func (v *Venue) recordTradesLocked(symbol string, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}
	v.history[symbol] = append(v.history[symbol], trades...)
	v.lastPrice[symbol] = trades[len(trades)-1].Price
}

func (v *Venue) symbolsLocked() []string {
	out := make([]string, 0, len(v.books))
	for s := range v.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
