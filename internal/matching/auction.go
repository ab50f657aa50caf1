package matching

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"optionsim/internal/market"
	"optionsim/pkg/types"
)

// Auction is the batch engine for the opening call. Orders accumulate on
// the book during pre-open without matching; Run then clears them at a
// single equilibrium price:
//
//  1. Candidate prices are the union of resting limit prices. For each,
//     demand = market buys + bids at or above, supply = market sells +
//     asks at or below.
//  2. The clearing price maximizes executable volume; ties prefer the
//     smaller absolute imbalance, then the price closest to the reference
//     (previous trade, or the midpoint of the tying range), then the
//     lowest price.
//  3. Orders strictly inside the cross execute in arrival order; orders
//     exactly at the clearing price are shuffled so no team can camp the
//     front of the marginal queue. Market orders execute first.
//  4. All trades print at the clearing price. Leftover limit orders rest
//     with their original priority; leftover market orders are cancelled.
//
// The shuffle uses the engine's own seeded source, so runs are
// reproducible under a fixed seed.
type Auction struct {
	rng *rand.Rand
}

// NewAuction returns a batch engine seeded for marginal-order shuffling.
func NewAuction(seed int64) *Auction {
	return &Auction{rng: rand.New(rand.NewSource(seed))}
}

// AuctionResult summarizes one instrument's auction.
type AuctionResult struct {
	Trades        []types.Trade
	ClearingPrice decimal.Decimal
	Volume        int64
	Imbalance     int64 // demand - supply at the clearing price
}

// clearingCandidate is one evaluated candidate price.
type clearingCandidate struct {
	price     decimal.Decimal
	matched   int64
	imbalance int64
}

type exec struct {
	order *types.Order
	qty   int64
}

// Run clears the book. ref is the previous reference price (typically the
// last trade), nil when there is none. With no executable volume the book
// is left as-is apart from market orders, which never survive an auction.
func (a *Auction) Run(book *market.Book, ref *decimal.Decimal) AuctionResult {
	var bidLevels, askLevels []*market.Level
	book.IterateLevels(types.BUY, func(l *market.Level) bool {
		bidLevels = append(bidLevels, l)
		return true
	})
	book.IterateLevels(types.SELL, func(l *market.Level) bool {
		askLevels = append(askLevels, l)
		return true
	})
	parkedBuys := book.MarketQueue(types.BUY)
	parkedSells := book.MarketQueue(types.SELL)

	prices := candidatePrices(bidLevels, askLevels)
	if len(prices) == 0 {
		// Only market orders (or nothing): no price discovery possible.
		sweepMarketOrders(book)
		return AuctionResult{}
	}

	var mktBuy, mktSell int64
	for _, o := range parkedBuys {
		mktBuy += o.Remaining
	}
	for _, o := range parkedSells {
		mktSell += o.Remaining
	}

	best := pickClearing(prices, bidLevels, askLevels, mktBuy, mktSell, ref)
	if best.matched == 0 {
		sweepMarketOrders(book)
		return AuctionResult{}
	}

	// Auction trades have no true aggressor; they carry the side of the
	// larger imbalance (buy side when perfectly balanced).
	aggressor := types.BUY
	if best.imbalance < 0 {
		aggressor = types.SELL
	}

	buyExecs := allocate(a.executionOrder(types.BUY, parkedBuys, bidLevels, best.price), best.matched)
	sellExecs := allocate(a.executionOrder(types.SELL, parkedSells, askLevels, best.price), best.matched)

	now := time.Now().UTC()
	trades := pair(buyExecs, sellExecs, best.price, aggressor, now)

	for _, ex := range buyExecs {
		if err := book.Reduce(ex.order.ID, ex.qty); err != nil {
			panic(fmt.Sprintf("auction clear on %s: %v", book.Symbol(), err))
		}
	}
	for _, ex := range sellExecs {
		if err := book.Reduce(ex.order.ID, ex.qty); err != nil {
			panic(fmt.Sprintf("auction clear on %s: %v", book.Symbol(), err))
		}
	}
	sweepMarketOrders(book)

	return AuctionResult{
		Trades:        trades,
		ClearingPrice: best.price,
		Volume:        best.matched,
		Imbalance:     best.imbalance,
	}
}

// candidatePrices returns the union of resting limit prices, ascending.
func candidatePrices(bids, asks []*market.Level) []decimal.Decimal {
	seen := make(map[string]bool)
	var out []decimal.Decimal
	add := func(levels []*market.Level) {
		for _, l := range levels {
			if key := l.Price.String(); !seen[key] {
				seen[key] = true
				out = append(out, l.Price)
			}
		}
	}
	add(bids)
	add(asks)
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

func pickClearing(prices []decimal.Decimal, bids, asks []*market.Level, mktBuy, mktSell int64, ref *decimal.Decimal) clearingCandidate {
	cands := make([]clearingCandidate, 0, len(prices))
	for _, p := range prices {
		demand := mktBuy
		for _, l := range bids {
			if l.Price.GreaterThanOrEqual(p) {
				demand += l.Volume
			}
		}
		supply := mktSell
		for _, l := range asks {
			if l.Price.LessThanOrEqual(p) {
				supply += l.Volume
			}
		}
		cands = append(cands, clearingCandidate{price: p, matched: min(demand, supply), imbalance: demand - supply})
	}

	var maxMatched int64
	for _, c := range cands {
		if c.matched > maxMatched {
			maxMatched = c.matched
		}
	}
	if maxMatched == 0 {
		return clearingCandidate{}
	}

	tied := cands[:0:0]
	for _, c := range cands {
		if c.matched == maxMatched {
			tied = append(tied, c)
		}
	}
	minImb := absInt64(tied[0].imbalance)
	for _, c := range tied[1:] {
		if imb := absInt64(c.imbalance); imb < minImb {
			minImb = imb
		}
	}
	narrowed := tied[:0:0]
	for _, c := range tied {
		if absInt64(c.imbalance) == minImb {
			narrowed = append(narrowed, c)
		}
	}
	if len(narrowed) == 1 {
		return narrowed[0]
	}

	target := decimal.Avg(narrowed[0].price, narrowed[len(narrowed)-1].price)
	if ref != nil {
		target = *ref
	}
	best := narrowed[0]
	bestDist := best.price.Sub(target).Abs()
	for _, c := range narrowed[1:] {
		// Strict improvement only: candidates are ascending, so equal
		// distances resolve to the lower price.
		if d := c.price.Sub(target).Abs(); d.LessThan(bestDist) {
			best, bestDist = c, d
		}
	}
	return best
}

// executionOrder lists one side's eligible orders in execution priority:
// market orders in arrival order, limit orders strictly inside the cross
// in price-then-arrival order, then the marginal price level shuffled.
func (a *Auction) executionOrder(side types.Side, parked []*types.Order, levels []*market.Level, clearing decimal.Decimal) []*types.Order {
	out := append([]*types.Order{}, parked...)
	var marginal []*types.Order
	for _, lvl := range levels {
		if !levelEligible(side, lvl.Price, clearing) {
			break
		}
		if lvl.Price.Equal(clearing) {
			marginal = append(marginal, lvl.Orders...)
		} else {
			out = append(out, lvl.Orders...)
		}
	}
	a.rng.Shuffle(len(marginal), func(i, j int) {
		marginal[i], marginal[j] = marginal[j], marginal[i]
	})
	return append(out, marginal...)
}

// levelEligible reports whether a level participates at the clearing
// price. Levels arrive in priority order, so the first ineligible one
// ends the walk.
func levelEligible(side types.Side, price, clearing decimal.Decimal) bool {
	if side == types.BUY {
		return price.GreaterThanOrEqual(clearing)
	}
	return price.LessThanOrEqual(clearing)
}

// allocate fills orders in list order until volume is exhausted.
func allocate(orders []*types.Order, volume int64) []exec {
	out := make([]exec, 0, len(orders))
	for _, o := range orders {
		if volume == 0 {
			break
		}
		q := min(volume, o.Remaining)
		out = append(out, exec{order: o, qty: q})
		volume -= q
	}
	return out
}

// pair zips the two execution lists into trades at the clearing price.
// Both lists sum to the same volume, so they exhaust together.
func pair(buys, sells []exec, price decimal.Decimal, aggressor types.Side, at time.Time) []types.Trade {
	out := make([]types.Trade, 0, len(buys)+len(sells))
	i, j := 0, 0
	var needB, needS int64
	if len(buys) > 0 {
		needB = buys[0].qty
	}
	if len(sells) > 0 {
		needS = sells[0].qty
	}
	for i < len(buys) && j < len(sells) {
		q := min(needB, needS)
		out = append(out, makeTrade(buys[i].order, sells[j].order, q, price, aggressor, true, at))
		needB -= q
		needS -= q
		if needB == 0 {
			if i++; i < len(buys) {
				needB = buys[i].qty
			}
		}
		if needS == 0 {
			if j++; j < len(sells) {
				needS = sells[j].qty
			}
		}
	}
	return out
}

// sweepMarketOrders cancels every parked market order; they never survive
// an auction.
func sweepMarketOrders(book *market.Book) {
	for _, side := range []types.Side{types.BUY, types.SELL} {
		for _, o := range book.MarketQueue(side) {
			book.Remove(o.ID)
		}
	}
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
