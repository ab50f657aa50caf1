package market

import (
	"context"
	"log/slog"
	"time"

	"optionsim/pkg/types"
)

// Transition is one observed phase change. From/To are distinct phases;
// State is the capability set of To.
type Transition struct {
	From  types.PhaseType
	To    types.PhaseType
	State types.PhaseState
	At    time.Time
}

// Poller samples a PhaseManager on a fixed cadence and publishes phase
// transitions. Consumers read Transitions(); the channel holds the latest
// unconsumed transition, and when a newer one arrives first the two are
// coalesced (the old From is kept), so "left pre_open" is never lost even
// if the opening-auction window itself was slept through.
type Poller struct {
	pm       PhaseManager
	interval time.Duration
	logger   *slog.Logger
	ch       chan Transition
	last     types.PhaseType
}

// NewPoller creates a poller; the current phase at construction time is the
// baseline, so only future changes are reported.
func NewPoller(pm PhaseManager, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		pm:       pm,
		interval: interval,
		logger:   logger.With("component", "phase_poller"),
		ch:       make(chan Transition, 1),
		last:     pm.StateAt(time.Now()).Phase,
	}
}

// Transitions returns the channel of observed phase changes.
func (p *Poller) Transitions() <-chan Transition { return p.ch }

// Current returns the phase as of the last sample.
func (p *Poller) Current() types.PhaseType { return p.last }

// Run samples the schedule until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("phase poller started", "interval", p.interval, "phase", p.last)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("phase poller stopped")
			return
		case now := <-ticker.C:
			p.check(now)
		}
	}
}

func (p *Poller) check(now time.Time) {
	state := p.pm.StateAt(now)
	if state.Phase == p.last {
		return
	}
	tr := Transition{From: p.last, To: state.Phase, State: state, At: now}
	p.last = state.Phase
	p.logger.Info("phase transition", "from", tr.From, "to", tr.To)

	select {
	case p.ch <- tr:
	default:
		// Consumer is behind: coalesce with the unconsumed transition so
		// the From it eventually sees is the phase it last acted on.
		select {
		case old := <-p.ch:
			tr.From = old.From
		default:
		}
		p.ch <- tr
	}
}
