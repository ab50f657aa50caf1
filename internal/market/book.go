// Package market provides per-instrument order book state and the trading
// calendar.
//
// Book is a central limit order book with price-time priority:
//   - limit orders rest in per-price FIFO levels held in btrees, so best
//     bid/ask and priority-order walks stay cheap as levels come and go
//   - market orders never carry a price; during the pre-open window they
//     are parked in a separate arrival queue for the opening auction
//   - level aggregates are maintained incrementally, so depth snapshots
//     never rescan order lists
//
// Matching policy lives in the matching package, phase policy in phase.go.
// Book itself is pure bookkeeping and is not safe for concurrent use; the
// venue serializes all access behind its own lock.
package market

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"optionsim/pkg/types"
)

// btreeDegree balances node fanout against rebalancing cost for the level
// trees. Books here hold tens of levels, not thousands.
const btreeDegree = 16

// Level is one price point on a side: resting orders in arrival order plus
// an aggregate of their remaining quantity.
//
// Callers outside this package treat Level as read-only; all mutation goes
// through Book methods.
type Level struct {
	Price  decimal.Decimal
	Orders []*types.Order // FIFO: index 0 is the oldest
	Volume int64          // sum of Remaining across Orders
}

func (l *Level) push(o *types.Order) {
	l.Orders = append(l.Orders, o)
	l.Volume += o.Remaining
}

// drop removes the order with the given ID, reporting false if absent.
func (l *Level) drop(id uint64) bool {
	for i, o := range l.Orders {
		if o.ID == id {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.Volume -= o.Remaining
			return true
		}
	}
	return false
}

// levelItem adapts a Level to the btree, keyed by price ascending.
type levelItem struct {
	price decimal.Decimal
	level *Level
}

func (a levelItem) Less(b btree.Item) bool {
	return a.price.LessThan(b.(levelItem).price)
}

// bookSide is one half of the book. desc marks the bid side: priority-order
// iteration walks the tree downward so the best bid (highest price) comes
// first, mirroring the ascending walk on asks.
type bookSide struct {
	tree *btree.BTree
	desc bool
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) get(price decimal.Decimal) *Level {
	if it := s.tree.Get(levelItem{price: price}); it != nil {
		return it.(levelItem).level
	}
	return nil
}

func (s *bookSide) getOrCreate(price decimal.Decimal) *Level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := &Level{Price: price}
	s.tree.ReplaceOrInsert(levelItem{price: price, level: lvl})
	return lvl
}

func (s *bookSide) remove(price decimal.Decimal) {
	s.tree.Delete(levelItem{price: price})
}

// best returns the top-priority level: highest bid or lowest ask.
func (s *bookSide) best() *Level {
	var it btree.Item
	if s.desc {
		it = s.tree.Max()
	} else {
		it = s.tree.Min()
	}
	if it == nil {
		return nil
	}
	return it.(levelItem).level
}

// iterate visits levels in priority order until fn returns false.
func (s *bookSide) iterate(fn func(*Level) bool) {
	wrap := func(it btree.Item) bool { return fn(it.(levelItem).level) }
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// Book is the central limit order book for a single instrument.
type Book struct {
	symbol     string
	bids       *bookSide
	asks       *bookSide
	marketBids []*types.Order
	marketAsks []*types.Order
	orders     map[uint64]*types.Order // every resting order by ID, market queues included
}

// NewBook creates an empty book for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[uint64]*types.Order),
	}
}

// Symbol returns the instrument this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders, market queues included.
func (b *Book) Len() int { return len(b.orders) }

func (b *Book) side(s types.Side) *bookSide {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

// Add rests an order on the book. Shape validation happens upstream; Add
// only enforces what the book itself depends on: a positive remainder and
// a fresh ID.
func (b *Book) Add(o *types.Order) error {
	if o.Remaining <= 0 {
		return fmt.Errorf("book %s: order %d has no remaining quantity", b.symbol, o.ID)
	}
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("book %s: duplicate order id %d", b.symbol, o.ID)
	}
	if o.IsMarket() {
		if o.Side == types.BUY {
			b.marketBids = append(b.marketBids, o)
		} else {
			b.marketAsks = append(b.marketAsks, o)
		}
	} else {
		b.side(o.Side).getOrCreate(o.Price).push(o)
	}
	b.orders[o.ID] = o
	return nil
}

// Lookup returns the resting order with the given ID.
func (b *Book) Lookup(id uint64) (*types.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// Cancel removes order id if it is still resting and owned by teamID.
// Unknown IDs, already-filled orders, and ownership mismatches all report
// false alike, so teams cannot probe each other's order IDs.
func (b *Book) Cancel(id uint64, teamID string) (*types.Order, bool) {
	o, ok := b.orders[id]
	if !ok || o.TeamID != teamID {
		return nil, false
	}
	b.unlink(o)
	return o, true
}

// Remove unconditionally removes a resting order, returning it. Used by
// the matching engines and end-of-session sweeps; team-facing paths go
// through Cancel.
func (b *Book) Remove(id uint64) (*types.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	b.unlink(o)
	return o, true
}

func (b *Book) unlink(o *types.Order) {
	if o.IsMarket() {
		queue := &b.marketBids
		if o.Side == types.SELL {
			queue = &b.marketAsks
		}
		for i, q := range *queue {
			if q.ID == o.ID {
				*queue = append((*queue)[:i], (*queue)[i+1:]...)
				break
			}
		}
	} else {
		s := b.side(o.Side)
		if lvl := s.get(o.Price); lvl != nil {
			lvl.drop(o.ID)
			if len(lvl.Orders) == 0 {
				s.remove(o.Price)
			}
		}
	}
	delete(b.orders, o.ID)
}

// Reduce applies a fill of qty contracts to a resting order, keeping the
// level aggregate in sync and unlinking the order (and an emptied level)
// once exhausted. Must not be called while iterating levels.
func (b *Book) Reduce(id uint64, qty int64) error {
	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("book %s: reduce unknown order %d", b.symbol, id)
	}
	if qty <= 0 || qty > o.Remaining {
		return fmt.Errorf("book %s: reduce order %d by %d with %d remaining", b.symbol, id, qty, o.Remaining)
	}
	o.Remaining -= qty
	if !o.IsMarket() {
		if lvl := b.side(o.Side).get(o.Price); lvl != nil {
			lvl.Volume -= qty
		}
	}
	if o.Remaining == 0 {
		b.unlink(o)
	}
	return nil
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if lvl := b.bids.best(); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Decimal{}, false
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if lvl := b.asks.best(); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Decimal{}, false
}

// Crossed reports whether the best bid meets or exceeds the best ask.
// A crossed book after matching completes is a bug in the engine, not a
// recoverable condition.
func (b *Book) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.GreaterThanOrEqual(ask)
}

// IterateLevels visits one side's levels in priority order (bids downward,
// asks upward) until fn returns false. The callback must not mutate the
// book; collect fills and apply them via Reduce/Remove after iterating.
func (b *Book) IterateLevels(s types.Side, fn func(*Level) bool) {
	b.side(s).iterate(fn)
}

// MarketQueue returns the parked market orders for one side in arrival
// order. The slice is a copy; the orders are the live ones.
func (b *Book) MarketQueue(s types.Side) []*types.Order {
	src := b.marketBids
	if s == types.SELL {
		src = b.marketAsks
	}
	out := make([]*types.Order, len(src))
	copy(out, src)
	return out
}

// Depth returns an aggregated snapshot of up to maxLevels levels per side.
// maxLevels <= 0 means the full book. Parked market orders have no price
// and are not part of depth.
func (b *Book) Depth(maxLevels int) types.BookSnapshot {
	snap := types.BookSnapshot{
		Symbol:    b.symbol,
		Bids:      []types.BookLevel{},
		Asks:      []types.BookLevel{},
		Timestamp: time.Now().UTC(),
	}
	collect := func(dst *[]types.BookLevel) func(*Level) bool {
		return func(lvl *Level) bool {
			*dst = append(*dst, types.BookLevel{Price: lvl.Price, Quantity: lvl.Volume})
			return maxLevels <= 0 || len(*dst) < maxLevels
		}
	}
	b.bids.iterate(collect(&snap.Bids))
	b.asks.iterate(collect(&snap.Asks))
	return snap
}

// CancelAll removes every resting order, market queues included, and
// returns them in arrival order.
func (b *Book) CancelAll() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	b.bids = newBookSide(true)
	b.asks = newBookSide(false)
	b.marketBids = nil
	b.marketAsks = nil
	b.orders = make(map[uint64]*types.Order)
	return out
}
