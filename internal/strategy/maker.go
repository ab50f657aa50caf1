// Package strategy implements an Avellaneda-Stoikov quoting loop for
// the options exchange.
//
// The core idea: post a bid below and an ask above a reservation price
// that accounts for inventory risk. When the bot is long, it lowers
// both quotes to attract buyers of its inventory; when short, it
// raises them.
//
// Per tick (every RefreshInterval):
//  1. Establish a reference price (book mid, else last trade).
//  2. Mark inventory to market and consult the guard.
//  3. Compute the reservation price: r = ref - q * gamma * sigma^2 * T
//  4. Compute the spread: delta = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//  5. Quote bid = r - delta/2, ask = r + delta/2, sized by inventory
//     headroom, widened by the flow tracker when fills turn one-sided.
//  6. Reconcile: keep resting quotes still near the target, cancel and
//     replace the rest.
//
// The bot earns the spread when both sides fill; the inventory skew
// keeps it from accumulating unbounded directional risk.
package strategy

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"optionsim/pkg/client"
	"optionsim/pkg/types"
)

// priceTick is the quoting grid. The venue accepts any positive
// decimal; quoting on a cent grid keeps replacements stable.
const priceTick = 0.01

// Config tunes one quoting session. Zero fields take defaults.
type Config struct {
	RefreshInterval time.Duration // quote reconciliation cadence
	OrderSize       int64         // base contracts per side
	MaxPosition     int64         // inventory cap, mirroring the role's position limit
	Gamma           float64       // risk aversion
	Sigma           float64       // volatility estimate, premium units
	Horizon         float64       // T in the reservation and spread terms
	Intensity       float64       // k, order arrival intensity
	MinSpread       float64       // floor on the quoted spread, premium units
	SeedPrice       float64       // reference when book and tape are empty; 0 stands down
	PriceTolerance  float64       // keep a resting quote within this distance of target

	FlowWindow        time.Duration
	FlowThreshold     float64
	FlowCooldown      time.Duration
	FlowMaxMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Second
	}
	if c.OrderSize <= 0 {
		c.OrderSize = 5
	}
	if c.MaxPosition <= 0 {
		c.MaxPosition = 50
	}
	if c.Gamma <= 0 {
		c.Gamma = 0.5
	}
	if c.Sigma <= 0 {
		c.Sigma = 0.3
	}
	if c.Horizon <= 0 {
		c.Horizon = 1
	}
	if c.Intensity <= 0 {
		c.Intensity = 1.5
	}
	if c.MinSpread <= 0 {
		c.MinSpread = 0.05
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = priceTick
	}
	if c.FlowWindow <= 0 {
		c.FlowWindow = time.Minute
	}
	if c.FlowThreshold <= 0 {
		c.FlowThreshold = 0.6
	}
	if c.FlowCooldown <= 0 {
		c.FlowCooldown = 30 * time.Second
	}
	if c.FlowMaxMultiplier <= 1 {
		c.FlowMaxMultiplier = 3
	}
	return c
}

// quote is one desired resting order.
type quote struct {
	price float64
	qty   int64
}

// openOrder is one of our orders resting on the venue. remaining is
// maintained from fill confirmations.
type openOrder struct {
	id        uint64
	side      types.Side
	price     float64
	remaining int64
}

// Maker quotes a single instrument. All mutable state is owned by the
// Run goroutine; Inventory, FlowTracker and Guard carry their own
// locks because tests and sibling makers share them.
type Maker struct {
	cfg    Config
	symbol string
	cli    *client.Client
	inv    *Inventory
	guard  *Guard
	flow   *FlowTracker
	logger *slog.Logger

	phase     types.PhaseState
	book      *types.BookSnapshot
	lastTrade float64
	active    map[uint64]*openOrder
}

// NewMaker creates a quoting session for one instrument.
func NewMaker(cfg Config, symbol string, cli *client.Client, inv *Inventory, guard *Guard, logger *slog.Logger) *Maker {
	cfg = cfg.withDefaults()
	return &Maker{
		cfg:    cfg,
		symbol: symbol,
		cli:    cli,
		inv:    inv,
		guard:  guard,
		flow:   NewFlowTracker(cfg.FlowWindow, cfg.FlowThreshold, cfg.FlowCooldown, cfg.FlowMaxMultiplier),
		logger: logger.With("component", "maker", "symbol", symbol),
		active: make(map[uint64]*openOrder),
	}
}

// Run is the main loop. The channels carry this instrument's fill
// confirmations and book updates plus venue-wide phase transitions;
// Run blocks until ctx is cancelled, withdrawing its quotes on the
// way out.
func (m *Maker) Run(ctx context.Context, trades <-chan types.WSTradeMsg, books <-chan types.WSBookMsg, phases <-chan types.WSPhaseMsg) {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	m.bootstrap(ctx)
	m.logger.Info("quoting started",
		"order_size", m.cfg.OrderSize,
		"max_position", m.cfg.MaxPosition,
		"phase", m.phase.Phase,
	)

	for {
		select {
		case <-ctx.Done():
			withdrawCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.withdraw(withdrawCtx)
			cancel()
			m.logger.Info("quoting stopped")
			return

		case msg := <-trades:
			m.onFill(msg)

		case msg := <-books:
			if msg.Symbol == m.symbol {
				snap := msg.Snapshot
				m.book = &snap
			}

		case msg := <-phases:
			m.onPhase(msg)

		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// bootstrap seeds phase, depth and last trade price from the REST API
// so the first tick has something to quote against.
func (m *Maker) bootstrap(ctx context.Context) {
	if state, err := m.cli.Phase(ctx); err == nil {
		m.phase = *state
	} else {
		m.logger.Warn("phase unavailable at startup", "error", err)
	}
	if snap, err := m.cli.Book(ctx, m.symbol); err == nil {
		m.book = snap
	}
	if trades, err := m.cli.Trades(ctx, m.symbol); err == nil && len(trades) > 0 {
		m.lastTrade = trades[len(trades)-1].Price.InexactFloat64()
	}
}

// onFill applies one of our executions to inventory and quote state.
func (m *Maker) onFill(msg types.WSTradeMsg) {
	if msg.Symbol != m.symbol {
		return
	}

	price := msg.Price.InexactFloat64()
	fill := Fill{
		Time:  msg.Timestamp,
		Side:  msg.Side,
		Price: price,
		Qty:   msg.Quantity,
		Fee:   msg.Fee.InexactFloat64(),
	}
	m.inv.OnFill(fill)
	m.flow.AddFill(fill)
	m.lastTrade = price

	if o, ok := m.active[msg.OrderID]; ok {
		o.remaining -= msg.Quantity
		if o.remaining <= 0 {
			delete(m.active, msg.OrderID)
		}
	}

	pos := m.inv.Snapshot()
	m.logger.Info("fill",
		"side", msg.Side,
		"price", price,
		"quantity", msg.Quantity,
		"liquidity", msg.Liquidity,
		"position", pos.Quantity,
		"realized_pnl", pos.RealizedPnL,
	)
}

// onPhase tracks venue capabilities. A close sweeps every resting
// order server-side, so the local view resets with it.
func (m *Maker) onPhase(msg types.WSPhaseMsg) {
	m.phase = msg.State
	if msg.State.Phase == types.PhaseClosed && len(m.active) > 0 {
		m.logger.Info("market closed, resting orders swept", "count", len(m.active))
		m.active = make(map[uint64]*openOrder)
	}
	m.logger.Info("phase change", "phase", msg.State.Phase)
}

// tick recomputes and reconciles quotes.
func (m *Maker) tick(ctx context.Context) {
	if !m.phase.AllowSubmit {
		return
	}
	if m.book == nil {
		if snap, err := m.cli.Book(ctx, m.symbol); err == nil {
			m.book = snap
		}
	}

	ref, ok := m.reference()
	if !ok {
		m.logger.Debug("no reference price, standing down")
		return
	}

	m.inv.MarkToMarket(ref)
	pos := m.inv.Snapshot()
	m.guard.Observe(Report{
		Symbol:        m.symbol,
		Mid:           ref,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
		Time:          time.Now(),
	})
	if m.guard.Halted() {
		m.withdraw(ctx)
		return
	}

	bid, ask := m.computeQuotes(ref)
	m.reconcile(ctx, bid, ask)
}

// reference picks the price to quote around: both-sided book mid,
// else the last trade, else the configured seed.
func (m *Maker) reference() (float64, bool) {
	if m.book != nil && len(m.book.Bids) > 0 && len(m.book.Asks) > 0 {
		bb := m.book.Bids[0].Price.InexactFloat64()
		ba := m.book.Asks[0].Price.InexactFloat64()
		return (bb + ba) / 2, true
	}
	if m.lastTrade > 0 {
		return m.lastTrade, true
	}
	if m.cfg.SeedPrice > 0 {
		return m.cfg.SeedPrice, true
	}
	return 0, false
}

// computeQuotes derives the desired bid and ask from the reference
// price, inventory skew, and flow conditions. A side with no position
// headroom left is not quoted.
func (m *Maker) computeQuotes(ref float64) (bid, ask *quote) {
	q := m.inv.NetDelta()
	mult := m.flow.SpreadMultiplier()

	reservation := ref - q*m.cfg.Gamma*m.cfg.Sigma*m.cfg.Sigma*m.cfg.Horizon
	spread := m.cfg.Gamma*m.cfg.Sigma*m.cfg.Sigma*m.cfg.Horizon +
		(2.0/m.cfg.Gamma)*math.Log(1.0+m.cfg.Gamma/m.cfg.Intensity)
	spread *= mult
	if floor := m.cfg.MinSpread * mult; spread < floor {
		spread = floor
	}

	bidPx := roundDownToTick(reservation - spread/2)
	askPx := roundUpToTick(reservation + spread/2)
	if bidPx < priceTick {
		bidPx = priceTick
	}
	if askPx <= bidPx {
		askPx = bidPx + priceTick
	}

	sizeFactor := 1.0 - 0.5*math.Abs(q)
	size := int64(math.Round(float64(m.cfg.OrderSize) * sizeFactor))
	if size < 1 {
		size = 1
	}

	position := m.inv.Snapshot().Quantity
	if room := m.cfg.MaxPosition - position; room > 0 {
		bid = &quote{price: bidPx, qty: min64(size, room)}
	}
	if room := m.cfg.MaxPosition + position; room > 0 {
		ask = &quote{price: askPx, qty: min64(size, room)}
	}
	return bid, ask
}

// reconcile diffs desired quotes against resting orders. A resting
// order survives if its price is within tolerance and it has at least
// half the desired size left; everything else is cancelled and
// replaced.
func (m *Maker) reconcile(ctx context.Context, bid, ask *quote) {
	var stale []uint64
	keptBid, keptAsk := false, false
	for id, o := range m.active {
		switch {
		case !keptBid && o.side == types.BUY && bid != nil && quoteMatches(o, bid, m.cfg.PriceTolerance):
			keptBid = true
		case !keptAsk && o.side == types.SELL && ask != nil && quoteMatches(o, ask, m.cfg.PriceTolerance):
			keptAsk = true
		default:
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		res, err := m.cli.CancelOrder(ctx, id)
		if err != nil {
			m.logger.Warn("cancel failed", "order_id", id, "error", err)
			continue
		}
		// A rejected cancel means the order is already gone (filled or
		// swept); either way it no longer rests.
		if res.Rejected() {
			m.logger.Debug("cancel rejected", "order_id", id, "code", res.Err.Code)
		}
		delete(m.active, id)
	}

	if !keptBid && bid != nil {
		m.place(ctx, types.BUY, bid)
	}
	if !keptAsk && ask != nil {
		m.place(ctx, types.SELL, ask)
	}
}

func quoteMatches(o *openOrder, want *quote, tolerance float64) bool {
	return math.Abs(o.price-want.price) <= tolerance+1e-9 && o.remaining*2 >= want.qty
}

// place submits one limit order. The tracked remainder starts at the
// full quantity; fill confirmations, which arrive for immediate
// executions too, bring it down.
func (m *Maker) place(ctx context.Context, side types.Side, q *quote) {
	res, err := m.cli.SubmitOrder(ctx, types.SubmitOrderRequest{
		Symbol:    m.symbol,
		OrderType: types.OrderTypeLimit,
		Side:      side,
		Quantity:  q.qty,
		Price:     formatPrice(q.price),
	})
	if err != nil {
		m.logger.Warn("submit failed", "side", side, "price", q.price, "error", err)
		return
	}
	if res.Rejected() {
		m.logger.Warn("quote rejected",
			"side", side,
			"price", q.price,
			"quantity", q.qty,
			"code", res.Err.Code,
		)
		return
	}
	if res.Ack == nil || res.Ack.Status == types.StatusFilled {
		return
	}
	m.active[res.Ack.OrderID] = &openOrder{
		id:        res.Ack.OrderID,
		side:      side,
		price:     q.price,
		remaining: q.qty,
	}
	m.logger.Debug("quote placed",
		"side", side,
		"price", q.price,
		"quantity", q.qty,
		"order_id", res.Ack.OrderID,
	)
}

// withdraw cancels every resting order.
func (m *Maker) withdraw(ctx context.Context) {
	if len(m.active) == 0 {
		return
	}
	for id := range m.active {
		if _, err := m.cli.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("withdraw cancel failed", "order_id", id, "error", err)
			continue
		}
		delete(m.active, id)
	}
	m.logger.Info("quotes withdrawn")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDownToTick(v float64) float64 {
	return math.Floor(v/priceTick+1e-9) * priceTick
}

func roundUpToTick(v float64) float64 {
	return math.Ceil(v/priceTick-1e-9) * priceTick
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
