// Package matching implements the two execution models of the venue:
//
//   - Continuous: price-time priority, incoming orders match immediately
//     against the opposite side of the book (continuous.go)
//   - Auction: batch clearing at a single equilibrium price, used for the
//     opening call (auction.go)
//
// Engines consume one order (or one accumulated book) and return fills.
// They mutate only the book — positions, fees, and notifications are the
// pipeline's business. Book-level inconsistencies discovered mid-match
// (a reduce that cannot apply) are bugs, not inputs, and panic.
package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionsim/internal/market"
	"optionsim/pkg/types"
)

// Result is the outcome of matching one incoming order.
type Result struct {
	Fills     []types.Trade
	Remaining int64
	Status    types.MatchStatus
}

// FilledQuantity returns the total executed quantity across fills.
func (r Result) FilledQuantity() int64 {
	var n int64
	for _, f := range r.Fills {
		n += f.Quantity
	}
	return n
}

// Continuous is the price-time priority engine. An incoming buy walks asks
// from the lowest price upward, an incoming sell walks bids from the
// highest downward, consuming each level FIFO. Trades execute at the
// resting order's price — the maker sets the price, the incoming side is
// the aggressor.
type Continuous struct{}

// NewContinuous returns the continuous engine. It is stateless; a single
// instance serves every book.
func NewContinuous() *Continuous { return &Continuous{} }

// Match executes incoming against the book:
//
//   - a limit order stops at the first level beyond its price; any
//     remainder rests on its own side (status accepted/partial)
//   - a market order walks until exhausted or the book empties; any
//     remainder is dropped, never rested (status partial, or rejected
//     when nothing at all was available)
//
// incoming.Remaining must equal its unexecuted quantity on entry; the
// caller serializes access to the book.
func (e *Continuous) Match(book *market.Book, incoming *types.Order) Result {
	type fill struct {
		resting *types.Order
		qty     int64
	}
	var planned []fill
	remaining := incoming.Remaining

	book.IterateLevels(incoming.Side.Opposite(), func(lvl *market.Level) bool {
		if remaining == 0 || !priceCompatible(incoming, lvl.Price) {
			return false
		}
		for _, resting := range lvl.Orders {
			if remaining == 0 {
				break
			}
			qty := min(remaining, resting.Remaining)
			planned = append(planned, fill{resting: resting, qty: qty})
			remaining -= qty
		}
		return remaining > 0
	})

	res := Result{Fills: make([]types.Trade, 0, len(planned))}
	now := time.Now().UTC()
	for _, f := range planned {
		buy, sell := incoming, f.resting
		if incoming.Side == types.SELL {
			buy, sell = f.resting, incoming
		}
		res.Fills = append(res.Fills, makeTrade(buy, sell, f.qty, f.resting.Price, incoming.Side, false, now))
		if err := book.Reduce(f.resting.ID, f.qty); err != nil {
			panic(fmt.Sprintf("continuous match on %s: %v", book.Symbol(), err))
		}
	}
	incoming.Remaining = remaining
	res.Remaining = remaining

	switch {
	case remaining == 0:
		res.Status = types.StatusFilled
	case incoming.IsMarket():
		if len(res.Fills) > 0 {
			res.Status = types.StatusPartial
		} else {
			res.Status = types.StatusRejected
		}
	default:
		if err := book.Add(incoming); err != nil {
			panic(fmt.Sprintf("rest remainder on %s: %v", book.Symbol(), err))
		}
		if len(res.Fills) > 0 {
			res.Status = types.StatusPartial
		} else {
			res.Status = types.StatusAccepted
		}
	}
	return res
}

// priceCompatible reports whether an order may trade at a level price:
// market orders at any price, limit buys at or below their limit, limit
// sells at or above.
func priceCompatible(o *types.Order, levelPrice decimal.Decimal) bool {
	if o.IsMarket() {
		return true
	}
	if o.Side == types.BUY {
		return levelPrice.LessThanOrEqual(o.Price)
	}
	return levelPrice.GreaterThanOrEqual(o.Price)
}

func makeTrade(buy, sell *types.Order, qty int64, price decimal.Decimal, aggressor types.Side, auction bool, at time.Time) types.Trade {
	return types.Trade{
		ID:          uuid.NewString(),
		Symbol:      buy.Symbol,
		BuyerID:     buy.TeamID,
		SellerID:    sell.TeamID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Price:       price,
		Quantity:    qty,
		Aggressor:   aggressor,
		Auction:     auction,
		ExecutedAt:  at,
	}
}
