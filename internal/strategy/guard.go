package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// GuardConfig bounds how much damage a quoting session can do.
//
//   - MaxLoss: total PnL (realized + unrealized + fees) across all
//     quoted instruments below -MaxLoss halts quoting. Zero disables.
//   - ShockPct / ShockWindow: a reference price moving more than
//     ShockPct (fraction) from its anchor within ShockWindow halts
//     quoting in that instrument's report. Zero ShockPct disables.
//   - Cooldown: how long quoting stays halted after a trip.
type GuardConfig struct {
	MaxLoss     float64
	ShockPct    float64
	ShockWindow time.Duration
	Cooldown    time.Duration
}

// Report is one instrument's state, submitted every quote cycle.
type Report struct {
	Symbol        string
	Mid           float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Time          time.Time
}

// priceAnchor is a reference price at a point in time, for detecting
// rapid moves within a rolling window.
type priceAnchor struct {
	price float64
	at    time.Time
}

// Guard aggregates per-instrument reports and halts quoting when a
// loss or price-shock limit is breached. Shared across all makers; a
// trip halts every instrument until the cooldown expires.
type Guard struct {
	cfg    GuardConfig
	logger *slog.Logger

	mu          sync.Mutex
	reports     map[string]Report
	anchors     map[string]priceAnchor
	haltedUntil time.Time
}

// NewGuard creates a guard.
func NewGuard(cfg GuardConfig, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		logger:  logger.With("component", "guard"),
		reports: make(map[string]Report),
		anchors: make(map[string]priceAnchor),
	}
}

// Observe records one instrument's report and checks the limits.
func (g *Guard) Observe(r Report) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reports[r.Symbol] = r

	if g.cfg.MaxLoss > 0 {
		var total float64
		for _, rep := range g.reports {
			total += rep.RealizedPnL + rep.UnrealizedPnL
		}
		if total < -g.cfg.MaxLoss {
			g.tripLocked(fmt.Sprintf("loss limit breached: %.2f", total))
		}
	}

	g.checkShockLocked(r)
}

// checkShockLocked compares the mid against a rolling anchor. An
// expired anchor resets to the current price.
func (g *Guard) checkShockLocked(r Report) {
	if g.cfg.ShockPct <= 0 {
		return
	}

	anchor, ok := g.anchors[r.Symbol]
	if !ok || r.Time.Sub(anchor.at) > g.cfg.ShockWindow {
		g.anchors[r.Symbol] = priceAnchor{price: r.Mid, at: r.Time}
		return
	}
	if anchor.price == 0 {
		return
	}

	move := math.Abs(r.Mid-anchor.price) / anchor.price
	if move > g.cfg.ShockPct {
		g.tripLocked(fmt.Sprintf("%s moved %.1f%% within %s", r.Symbol, move*100, g.cfg.ShockWindow))
	}
}

func (g *Guard) tripLocked(reason string) {
	g.haltedUntil = time.Now().Add(g.cfg.Cooldown)
	g.logger.Error("quoting halted", "reason", reason, "until", g.haltedUntil)
}

// Halted reports whether quoting is currently suspended.
func (g *Guard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.haltedUntil)
}

// Forget drops state for an instrument no longer being quoted.
func (g *Guard) Forget(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reports, symbol)
	delete(g.anchors, symbol)
}
