package strategy

import (
	"math"
	"sync"
	"time"

	"optionsim/pkg/types"
)

// ToxicityMetrics contains adverse selection indicators computed over
// the recent fill window.
type ToxicityMetrics struct {
	DirectionalImbalance float64 // [0.5, 1]: share of fills in the dominant direction
	FillVelocity         float64 // fills per minute
	ToxicityScore        float64 // [0, 1] composite
	Averse               bool    // true when quotes are likely being picked off
}

// FlowTracker watches recent fills for one-sided sweeps. Fills that
// keep hitting the same quote right before the price moves are informed
// flow; the tracker answers with a spread multiplier so the maker
// widens instead of feeding it.
type FlowTracker struct {
	mu sync.RWMutex

	window        time.Duration
	fills         []Fill
	threshold     float64       // score above this counts as toxic
	cooldown      time.Duration // stay wide this long after a toxic reading
	maxMultiplier float64

	lastToxic time.Time
}

// NewFlowTracker creates a tracker. threshold is the toxicity score
// that triggers widening, maxMultiplier the widest spread scale.
func NewFlowTracker(window time.Duration, threshold float64, cooldown time.Duration, maxMultiplier float64) *FlowTracker {
	return &FlowTracker{
		window:        window,
		fills:         make([]Fill, 0, 64),
		threshold:     threshold,
		cooldown:      cooldown,
		maxMultiplier: maxMultiplier,
	}
}

// AddFill records an execution and drops entries outside the window.
func (ft *FlowTracker) AddFill(f Fill) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.fills = append(ft.fills, f)
	ft.evictStaleLocked()
}

func (ft *FlowTracker) evictStaleLocked() {
	cutoff := time.Now().Add(-ft.window)
	keep := 0
	for i, f := range ft.fills {
		if f.Time.After(cutoff) {
			keep = i
			break
		}
		keep = i + 1
	}
	if keep > 0 {
		ft.fills = ft.fills[keep:]
	}
}

// Toxicity computes adverse selection metrics from the fill window.
// Weighting: directional imbalance dominates (informed flow is
// one-sided), fill velocity adds burst detection.
func (ft *FlowTracker) Toxicity() ToxicityMetrics {
	ft.mu.Lock()
	ft.evictStaleLocked()

	var buys, sells int
	for _, f := range ft.fills {
		if f.Side == types.BUY {
			buys++
		} else {
			sells++
		}
	}
	total := len(ft.fills)
	ft.mu.Unlock()

	if total == 0 {
		return ToxicityMetrics{}
	}

	imbalance := math.Max(float64(buys), float64(sells)) / float64(total)

	if total < 2 {
		return ToxicityMetrics{
			DirectionalImbalance: imbalance,
			ToxicityScore:        0.6 * imbalance,
			Averse:               imbalance > ft.threshold,
		}
	}

	velocity := float64(total) / ft.window.Minutes()
	velocityFactor := math.Min(velocity/3.0, 1.0)

	score := 0.6*imbalance + 0.4*velocityFactor

	return ToxicityMetrics{
		DirectionalImbalance: imbalance,
		FillVelocity:         velocity,
		ToxicityScore:        score,
		Averse:               score > ft.threshold,
	}
}

// SpreadMultiplier returns the scale to apply to the quoted spread:
// 1.0 under normal flow, up to maxMultiplier while toxic, decaying back
// to 1.0 over the cooldown after the flow normalizes.
func (ft *FlowTracker) SpreadMultiplier() float64 {
	metrics := ft.Toxicity()

	if metrics.Averse {
		ft.mu.Lock()
		ft.lastToxic = time.Now()
		ft.mu.Unlock()
	}

	ft.mu.RLock()
	sinceToxic := time.Since(ft.lastToxic)
	ft.mu.RUnlock()

	if !metrics.Averse && sinceToxic >= ft.cooldown {
		return 1.0
	}

	if metrics.ToxicityScore < ft.threshold {
		// Cooling down: decay from the widest setting back to normal.
		progress := math.Min(sinceToxic.Seconds()/ft.cooldown.Seconds(), 1.0)
		return 1.0 + (ft.maxMultiplier-1.0)*(1.0-progress)
	}

	// Currently toxic: scale with how far past the threshold we are.
	normalized := (metrics.ToxicityScore - ft.threshold) / (1.0 - ft.threshold)
	return 1.0 + (ft.maxMultiplier-1.0)*math.Min(normalized*2.0, 1.0)
}

// FillCount returns the number of fills in the current window.
func (ft *FlowTracker) FillCount() int {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return len(ft.fills)
}
