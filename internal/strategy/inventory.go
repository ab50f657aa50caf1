package strategy

import (
	"math"
	"sync"
	"time"

	"optionsim/pkg/types"
)

// Position is the bot's holding in a single instrument. Quantity is
// signed: positive long, negative short. PnL is measured in premium
// terms; fees (signed, positive = credit) are folded into RealizedPnL.
type Position struct {
	Quantity      int64
	AvgEntry      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	LastUpdated   time.Time
}

// Fill records one execution against our orders.
type Fill struct {
	Time  time.Time
	Side  types.Side
	Price float64
	Qty   int64
	Fee   float64
}

// Inventory tracks the position for one instrument. Thread-safe; it
// provides the inventory skew (NetDelta) that drives the reservation
// price adjustment.
type Inventory struct {
	mu          sync.RWMutex
	symbol      string
	maxPosition int64
	pos         Position

	// Set when a position is resumed without a known cost basis; the
	// first mark-to-market adopts the reference price as entry.
	basisPending bool
}

// NewInventory creates inventory tracking for one instrument.
// maxPosition mirrors the venue's position limit for the team's role.
func NewInventory(symbol string, maxPosition int64) *Inventory {
	return &Inventory{symbol: symbol, maxPosition: maxPosition}
}

// Seed restores a position found at startup. The entry price is
// unknown at that point, so PnL is measured from the first reference
// price observed afterwards.
func (inv *Inventory) Seed(qty int64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.pos.Quantity = qty
	inv.basisPending = qty != 0
}

// OnFill applies one execution: extending fills move the average entry,
// reducing fills realize PnL against it, and a fill through zero starts
// the new side at the fill price.
func (inv *Inventory) OnFill(f Fill) {
	if f.Qty <= 0 {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	signed := f.Qty
	if f.Side == types.SELL {
		signed = -f.Qty
	}
	before := inv.pos.Quantity

	if before == 0 || (before > 0) == (signed > 0) {
		cost := inv.pos.AvgEntry*math.Abs(float64(before)) + f.Price*math.Abs(float64(signed))
		inv.pos.Quantity = before + signed
		inv.pos.AvgEntry = cost / math.Abs(float64(inv.pos.Quantity))
		inv.basisPending = false
	} else {
		closing := min64(abs64(signed), abs64(before))
		direction := 1.0
		if before < 0 {
			direction = -1.0
		}
		inv.pos.RealizedPnL += (f.Price - inv.pos.AvgEntry) * float64(closing) * direction
		inv.pos.Quantity = before + signed

		switch {
		case inv.pos.Quantity == 0:
			inv.pos.AvgEntry = 0
		case (inv.pos.Quantity > 0) != (before > 0):
			inv.pos.AvgEntry = f.Price
		}
	}

	inv.pos.RealizedPnL += f.Fee
	inv.pos.LastUpdated = f.Time
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// NetDelta returns inventory skew in [-1, 1]: +1 at the long limit, -1
// at the short limit. This is the q parameter that skews the
// reservation price to attract offsetting flow.
func (inv *Inventory) NetDelta() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if inv.maxPosition == 0 {
		return 0
	}
	q := float64(inv.pos.Quantity) / float64(inv.maxPosition)
	return clamp(q, -1, 1)
}

// MarkToMarket recalculates unrealized PnL against a reference price.
// A resumed position with no cost basis adopts the reference as entry.
func (inv *Inventory) MarkToMarket(ref float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.basisPending && inv.pos.Quantity != 0 {
		inv.pos.AvgEntry = ref
		inv.basisPending = false
	}
	inv.pos.UnrealizedPnL = (ref - inv.pos.AvgEntry) * float64(inv.pos.Quantity)
}

// Exposure returns the absolute premium value of the holding.
func (inv *Inventory) Exposure(ref float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return math.Abs(float64(inv.pos.Quantity)) * ref
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
