package matching

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"optionsim/internal/market"
	"optionsim/pkg/types"
)

// crossedBook builds the standard auction fixture:
//
//	bids: 100 @ 5.50, 30 @ 5.25
//	asks:  80 @ 5.40, 40 @ 5.60
//
// 5.40 and 5.50 both clear 80 contracts with a +20 imbalance; without a
// reference price the midpoint tie-break picks the lower, 5.40.
func crossedBook(t *testing.T) *market.Book {
	t.Helper()
	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.BUY, 100, "5.50"),
		limitOrder(2, "team-b", types.BUY, 30, "5.25"),
		limitOrder(3, "team-c", types.SELL, 80, "5.40"),
		limitOrder(4, "team-d", types.SELL, 40, "5.60"),
	)
	return book
}

func TestAuctionClearsAtMaxVolume(t *testing.T) {
	t.Parallel()

	book := crossedBook(t)
	res := NewAuction(1).Run(book, nil)

	if !res.ClearingPrice.Equal(decimal.RequireFromString("5.40")) {
		t.Errorf("clearing price = %s, want 5.40", res.ClearingPrice)
	}
	if res.Volume != 80 || res.Imbalance != 20 {
		t.Errorf("volume %d imbalance %d, want 80/+20", res.Volume, res.Imbalance)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.BuyOrderID != 1 || tr.SellOrderID != 3 || tr.Quantity != 80 {
		t.Errorf("trade = buy %d sell %d x %d, want 1/3/80", tr.BuyOrderID, tr.SellOrderID, tr.Quantity)
	}
	if !tr.Auction || !tr.Price.Equal(res.ClearingPrice) {
		t.Errorf("trade auction=%v price=%s, want true at the clearing price", tr.Auction, tr.Price)
	}
	if tr.Aggressor != types.BUY {
		t.Errorf("aggressor = %s, want BUY on a positive imbalance", tr.Aggressor)
	}

	// The partially filled bid keeps its leftover 20 at 5.50; the cleared
	// ask is gone. The book reopens uncrossed.
	if bid, ok := book.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("5.50")) {
		t.Errorf("best bid = %s %v, want 5.50 true", bid, ok)
	}
	if ask, ok := book.BestAsk(); !ok || !ask.Equal(decimal.RequireFromString("5.60")) {
		t.Errorf("best ask = %s %v, want 5.60 true", ask, ok)
	}
	if book.Crossed() {
		t.Error("book still crossed after the auction")
	}
	snap := book.Depth(0)
	if len(snap.Bids) != 2 || snap.Bids[0].Quantity != 20 || snap.Bids[1].Quantity != 30 {
		t.Errorf("bid depth = %+v, want 20 @ 5.50 and 30 @ 5.25", snap.Bids)
	}
}

func TestAuctionPrefersReferencePrice(t *testing.T) {
	t.Parallel()

	book := crossedBook(t)
	ref := decimal.RequireFromString("5.50")
	res := NewAuction(1).Run(book, &ref)

	if !res.ClearingPrice.Equal(ref) {
		t.Errorf("clearing price = %s, want the reference 5.50", res.ClearingPrice)
	}
	if res.Volume != 80 {
		t.Errorf("volume = %d, want 80", res.Volume)
	}
	for _, tr := range res.Trades {
		if !tr.Price.Equal(ref) {
			t.Errorf("trade at %s, want every print at 5.50", tr.Price)
		}
	}
}

func TestAuctionMarketOrdersExecuteFirst(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.BUY, 50, "5.00"),
		limitOrder(2, "team-b", types.SELL, 30, "5.00"),
		marketOrder(3, "team-c", types.BUY, 20),
	)

	res := NewAuction(1).Run(book, nil)

	if !res.ClearingPrice.Equal(decimal.RequireFromString("5.00")) || res.Volume != 30 {
		t.Fatalf("clearing = %s x %d, want 5.00 x 30", res.ClearingPrice, res.Volume)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Trades[0].BuyerID != "team-c" || res.Trades[0].Quantity != 20 {
		t.Errorf("first trade = %s x %d, want the market buy team-c x 20", res.Trades[0].BuyerID, res.Trades[0].Quantity)
	}
	if res.Trades[1].BuyerID != "team-a" || res.Trades[1].Quantity != 10 {
		t.Errorf("second trade = %s x %d, want team-a x 10", res.Trades[1].BuyerID, res.Trades[1].Quantity)
	}

	if q := book.MarketQueue(types.BUY); len(q) != 0 {
		t.Errorf("market queue holds %d orders after the auction", len(q))
	}
	snap := book.Depth(0)
	if len(snap.Bids) != 1 || snap.Bids[0].Quantity != 40 {
		t.Errorf("bid depth = %+v, want 40 left at 5.00", snap.Bids)
	}
	if len(snap.Asks) != 0 {
		t.Errorf("ask depth = %+v, want empty", snap.Asks)
	}
}

func TestAuctionSweepsUnfilledMarketOrders(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.BUY, 50, "5.00"),
		marketOrder(2, "team-b", types.SELL, 80),
	)

	res := NewAuction(1).Run(book, nil)

	if res.Volume != 50 || res.Imbalance != -30 {
		t.Fatalf("volume %d imbalance %d, want 50/-30", res.Volume, res.Imbalance)
	}
	if len(res.Trades) != 1 || res.Trades[0].Aggressor != types.SELL {
		t.Fatalf("trades = %+v, want one SELL-aggressor trade", res.Trades)
	}
	// The market sell's unexecuted 30 is cancelled, not carried forward.
	if q := book.MarketQueue(types.SELL); len(q) != 0 {
		t.Errorf("market queue holds %d orders, want swept", len(q))
	}
	if _, ok := book.BestBid(); ok {
		t.Error("bid side should be exhausted")
	}
}

func TestAuctionNoCrossLeavesBook(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.BUY, 10, "5.00"),
		limitOrder(2, "team-b", types.SELL, 10, "6.00"),
	)

	res := NewAuction(1).Run(book, nil)

	if len(res.Trades) != 0 || res.Volume != 0 || !res.ClearingPrice.IsZero() {
		t.Fatalf("result = %+v, want no clearing", res)
	}
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if !bid.Equal(decimal.RequireFromString("5.00")) || !ask.Equal(decimal.RequireFromString("6.00")) {
		t.Errorf("book = %s / %s, want untouched 5.00 / 6.00", bid, ask)
	}
}

func TestAuctionMarketOnlyBookSweeps(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book, marketOrder(1, "team-a", types.BUY, 10))

	res := NewAuction(1).Run(book, nil)

	if len(res.Trades) != 0 || res.Volume != 0 {
		t.Fatalf("result = %+v, want nothing executable", res)
	}
	if q := book.MarketQueue(types.BUY); len(q) != 0 {
		t.Errorf("market queue holds %d orders, want swept", len(q))
	}
}

func TestAuctionMarginalShuffleDeterministic(t *testing.T) {
	t.Parallel()

	// Five marginal bids chase 25 contracts of supply; which of them fill
	// depends on the shuffle, which must replay identically under one seed.
	build := func() *market.Book {
		book := market.NewBook(testSymbol)
		seedBook(t, book,
			limitOrder(1, "t1", types.BUY, 10, "5.00"),
			limitOrder(2, "t2", types.BUY, 10, "5.00"),
			limitOrder(3, "t3", types.BUY, 10, "5.00"),
			limitOrder(4, "t4", types.BUY, 10, "5.00"),
			limitOrder(5, "t5", types.BUY, 10, "5.00"),
			limitOrder(6, "team-z", types.SELL, 25, "5.00"),
		)
		return book
	}

	buyers := func(trades []types.Trade) []string {
		out := make([]string, 0, len(trades))
		for _, tr := range trades {
			out = append(out, tr.BuyerID)
		}
		return out
	}

	first := NewAuction(42).Run(build(), nil)
	second := NewAuction(42).Run(build(), nil)

	if first.Volume != 25 || second.Volume != 25 {
		t.Fatalf("volumes = %d/%d, want 25 each", first.Volume, second.Volume)
	}
	var total int64
	for _, tr := range first.Trades {
		total += tr.Quantity
	}
	if total != first.Volume {
		t.Errorf("trade quantities sum to %d, want the cleared volume %d", total, first.Volume)
	}

	a, b := buyers(first.Trades), buyers(second.Trades)
	if len(a) != len(b) {
		t.Fatalf("trade counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("fill order diverged under one seed: %v vs %v", a, b)
		}
	}
}

func TestAuctionMarginalAllocationProportional(t *testing.T) {
	t.Parallel()

	// Five equal bids at the clearing price chase 25 contracts of supply,
	// so each order's fair share is a fifth of the cleared volume. Any
	// single run fills two bids fully, one halfway, and two not at all;
	// only the mean across many seeds shows whether the shuffle favors
	// anyone.
	const (
		runs      = 400
		volume    = 25
		fairShare = 0.2
		tolerance = 0.04
	)
	teams := []string{"t1", "t2", "t3", "t4", "t5"}

	filled := make(map[string]int64, len(teams))
	for seed := int64(1); seed <= runs; seed++ {
		book := market.NewBook(testSymbol)
		seedBook(t, book,
			limitOrder(1, "t1", types.BUY, 10, "5.00"),
			limitOrder(2, "t2", types.BUY, 10, "5.00"),
			limitOrder(3, "t3", types.BUY, 10, "5.00"),
			limitOrder(4, "t4", types.BUY, 10, "5.00"),
			limitOrder(5, "t5", types.BUY, 10, "5.00"),
			limitOrder(6, "team-z", types.SELL, volume, "5.00"),
		)
		res := NewAuction(seed).Run(book, nil)
		if res.Volume != volume {
			t.Fatalf("seed %d cleared %d, want %d", seed, res.Volume, volume)
		}
		for _, tr := range res.Trades {
			filled[tr.BuyerID] += tr.Quantity
		}
	}

	for _, team := range teams {
		share := float64(filled[team]) / float64(runs*volume)
		if math.Abs(share-fairShare) > tolerance {
			t.Errorf("%s filled share = %.3f over %d runs, want %.1f ± %.2f",
				team, share, runs, fairShare, tolerance)
		}
	}
}
