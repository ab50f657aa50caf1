package matching

import (
	"testing"

	"github.com/shopspring/decimal"

	"optionsim/internal/market"
	"optionsim/pkg/types"
)

const testSymbol = "SPX-20261218-C-6500"

func limitOrder(id uint64, team string, side types.Side, qty int64, price string) *types.Order {
	return &types.Order{
		ID:        id,
		TeamID:    team,
		Symbol:    testSymbol,
		Side:      side,
		Type:      types.OrderTypeLimit,
		Quantity:  qty,
		Remaining: qty,
		Price:     decimal.RequireFromString(price),
		Seq:       id,
	}
}

func marketOrder(id uint64, team string, side types.Side, qty int64) *types.Order {
	return &types.Order{
		ID:        id,
		TeamID:    team,
		Symbol:    testSymbol,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  qty,
		Remaining: qty,
		Seq:       id,
	}
}

func seedBook(t *testing.T, book *market.Book, orders ...*types.Order) {
	t.Helper()
	for _, o := range orders {
		if err := book.Add(o); err != nil {
			t.Fatalf("seed book with order %d: %v", o.ID, err)
		}
	}
}

func TestContinuousFullFill(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book, limitOrder(1, "team-a", types.SELL, 50, "5.40"))

	res := NewContinuous().Match(book, limitOrder(2, "team-b", types.BUY, 30, "5.50"))

	if res.Status != types.StatusFilled || res.Remaining != 0 {
		t.Fatalf("result = %s remaining %d, want filled/0", res.Status, res.Remaining)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	tr := res.Fills[0]
	if !tr.Price.Equal(decimal.RequireFromString("5.40")) {
		t.Errorf("trade price = %s, want the resting price 5.40", tr.Price)
	}
	if tr.Quantity != 30 || tr.BuyerID != "team-b" || tr.SellerID != "team-a" {
		t.Errorf("trade = %+v, want 30 contracts team-b from team-a", tr)
	}
	if tr.Aggressor != types.BUY || tr.Auction {
		t.Errorf("trade aggressor=%s auction=%v, want BUY/false", tr.Aggressor, tr.Auction)
	}
	if tr.BuyOrderID != 2 || tr.SellOrderID != 1 {
		t.Errorf("trade order ids = %d/%d, want 2/1", tr.BuyOrderID, tr.SellOrderID)
	}
	if tr.ID == "" {
		t.Error("trade has no ID")
	}

	// The resting order keeps its unexecuted 20 on the book.
	if _, ok := book.BestBid(); ok {
		t.Error("a fully filled incoming order must not rest")
	}
	if ask, ok := book.BestAsk(); !ok || !ask.Equal(decimal.RequireFromString("5.40")) {
		t.Errorf("best ask = %s %v, want 5.40 true", ask, ok)
	}
}

func TestContinuousPartialRestsRemainder(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book, limitOrder(1, "team-a", types.SELL, 20, "5.40"))

	incoming := limitOrder(2, "team-b", types.BUY, 50, "5.45")
	res := NewContinuous().Match(book, incoming)

	if res.Status != types.StatusPartial || res.Remaining != 30 || res.FilledQuantity() != 20 {
		t.Fatalf("result = %s remaining %d filled %d, want partial/30/20", res.Status, res.Remaining, res.FilledQuantity())
	}
	if incoming.Remaining != 30 {
		t.Errorf("incoming.Remaining = %d, want 30", incoming.Remaining)
	}
	if bid, ok := book.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("5.45")) {
		t.Errorf("best bid = %s %v, want the rested remainder at 5.45", bid, ok)
	}
	if _, ok := book.BestAsk(); ok {
		t.Error("ask side should be empty after the fill")
	}
}

func TestContinuousNoCrossRests(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book, limitOrder(1, "team-a", types.SELL, 20, "5.60"))

	res := NewContinuous().Match(book, limitOrder(2, "team-b", types.BUY, 10, "5.40"))

	if res.Status != types.StatusAccepted || len(res.Fills) != 0 || res.Remaining != 10 {
		t.Fatalf("result = %s fills %d remaining %d, want accepted/0/10", res.Status, len(res.Fills), res.Remaining)
	}
	if bid, ok := book.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("5.40")) {
		t.Errorf("best bid = %s %v, want 5.40 true", bid, ok)
	}
	if book.Crossed() {
		t.Error("book crossed after a non-marketable limit rested")
	}
}

func TestContinuousPricePriority(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.SELL, 10, "5.50"),
		limitOrder(2, "team-b", types.SELL, 10, "5.40"),
	)

	res := NewContinuous().Match(book, limitOrder(3, "team-c", types.BUY, 15, "5.60"))

	if res.Status != types.StatusFilled || len(res.Fills) != 2 {
		t.Fatalf("result = %s fills %d, want filled/2", res.Status, len(res.Fills))
	}
	// Cheapest ask first even though it arrived later.
	if !res.Fills[0].Price.Equal(decimal.RequireFromString("5.40")) || res.Fills[0].Quantity != 10 {
		t.Errorf("first fill = %s x %d, want 5.40 x 10", res.Fills[0].Price, res.Fills[0].Quantity)
	}
	if !res.Fills[1].Price.Equal(decimal.RequireFromString("5.50")) || res.Fills[1].Quantity != 5 {
		t.Errorf("second fill = %s x %d, want 5.50 x 5", res.Fills[1].Price, res.Fills[1].Quantity)
	}
}

func TestContinuousTimePriority(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.SELL, 10, "5.40"),
		limitOrder(2, "team-b", types.SELL, 10, "5.40"),
	)

	res := NewContinuous().Match(book, limitOrder(3, "team-c", types.BUY, 15, "5.40"))

	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}
	if res.Fills[0].SellOrderID != 1 || res.Fills[0].Quantity != 10 {
		t.Errorf("first fill from order %d x %d, want the earlier order 1 x 10", res.Fills[0].SellOrderID, res.Fills[0].Quantity)
	}
	if res.Fills[1].SellOrderID != 2 || res.Fills[1].Quantity != 5 {
		t.Errorf("second fill from order %d x %d, want 2 x 5", res.Fills[1].SellOrderID, res.Fills[1].Quantity)
	}
}

func TestContinuousLimitStopsAtItsPrice(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.SELL, 10, "5.40"),
		limitOrder(2, "team-b", types.SELL, 10, "5.60"),
	)

	res := NewContinuous().Match(book, limitOrder(3, "team-c", types.BUY, 15, "5.50"))

	if res.Status != types.StatusPartial || res.FilledQuantity() != 10 || res.Remaining != 5 {
		t.Fatalf("result = %s filled %d remaining %d, want partial/10/5", res.Status, res.FilledQuantity(), res.Remaining)
	}
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if !bid.Equal(decimal.RequireFromString("5.50")) || !ask.Equal(decimal.RequireFromString("5.60")) {
		t.Errorf("book = %s / %s, want 5.50 / 5.60", bid, ask)
	}
	if book.Crossed() {
		t.Error("book crossed after matching")
	}
}

func TestContinuousMarketOrderWalksLevels(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book,
		limitOrder(1, "team-a", types.SELL, 10, "5.40"),
		limitOrder(2, "team-b", types.SELL, 10, "5.50"),
	)

	res := NewContinuous().Match(book, marketOrder(3, "team-c", types.BUY, 25))

	if res.Status != types.StatusPartial || res.FilledQuantity() != 20 || res.Remaining != 5 {
		t.Fatalf("result = %s filled %d remaining %d, want partial/20/5", res.Status, res.FilledQuantity(), res.Remaining)
	}
	// The unfilled 5 is dropped, never rested or parked.
	if _, ok := book.BestBid(); ok {
		t.Error("market remainder rested on the book")
	}
	if q := book.MarketQueue(types.BUY); len(q) != 0 {
		t.Errorf("market remainder parked: %d orders", len(q))
	}
	if _, ok := book.BestAsk(); ok {
		t.Error("ask side should be swept empty")
	}
}

func TestContinuousMarketOrderEmptyBook(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	res := NewContinuous().Match(book, marketOrder(1, "team-a", types.BUY, 10))

	if res.Status != types.StatusRejected || len(res.Fills) != 0 {
		t.Fatalf("result = %s fills %d, want rejected/0", res.Status, len(res.Fills))
	}
}

func TestContinuousSellAggressor(t *testing.T) {
	t.Parallel()

	book := market.NewBook(testSymbol)
	seedBook(t, book, limitOrder(1, "team-a", types.BUY, 10, "5.40"))

	res := NewContinuous().Match(book, limitOrder(2, "team-b", types.SELL, 10, "5.30"))

	if res.Status != types.StatusFilled || len(res.Fills) != 1 {
		t.Fatalf("result = %s fills %d, want filled/1", res.Status, len(res.Fills))
	}
	tr := res.Fills[0]
	if !tr.Price.Equal(decimal.RequireFromString("5.40")) {
		t.Errorf("price = %s, want the resting bid 5.40", tr.Price)
	}
	if tr.Aggressor != types.SELL || tr.BuyerID != "team-a" || tr.SellerID != "team-b" {
		t.Errorf("trade = %+v, want SELL aggressor, buyer team-a, seller team-b", tr)
	}
	if tr.BuyOrderID != 1 || tr.SellOrderID != 2 {
		t.Errorf("order ids = %d/%d, want 1/2", tr.BuyOrderID, tr.SellOrderID)
	}
}
