package market

import (
	"fmt"
	"strings"
	"time"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

// PhaseManager maps wall-clock time to a market phase. Implementations are
// pure queries: no book or order mutation, two calls with the same clock
// always agree. The venue re-queries on every submission, the poller on
// every tick.
type PhaseManager interface {
	StateAt(now time.Time) types.PhaseState
}

// StateFor returns the declarative capability set for a phase:
//
//	closed           nothing allowed
//	pre_open         submit + cancel, orders accumulate for the auction
//	opening_auction  matching only, the batch engine runs
//	continuous       submit + cancel + immediate matching
func StateFor(phase types.PhaseType) types.PhaseState {
	switch phase {
	case types.PhasePreOpen:
		return types.PhaseState{Phase: phase, AllowSubmit: true, AllowCancel: true, Execution: types.ExecBatch}
	case types.PhaseOpeningAuction:
		return types.PhaseState{Phase: phase, AllowMatch: true, Execution: types.ExecBatch}
	case types.PhaseContinuous:
		return types.PhaseState{Phase: phase, AllowSubmit: true, AllowCancel: true, AllowMatch: true, Execution: types.ExecContinuous}
	default:
		return types.PhaseState{Phase: types.PhaseClosed, Execution: types.ExecNone}
	}
}

// window is one parsed trading-day template. Times are minutes from local
// midnight; open < close and the auction call ends before the close, both
// enforced at construction.
type window struct {
	days        map[time.Weekday]bool
	open        int
	close       int
	preOpen     time.Duration
	auctionCall time.Duration
}

// Schedule is the production PhaseManager: a finite list of weekly trading
// windows in one timezone.
type Schedule struct {
	loc     *time.Location
	windows []window
}

// NewSchedule parses the session configuration into a Schedule.
func NewSchedule(cfg config.SessionsConfig) (*Schedule, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	if len(cfg.Windows) == 0 {
		return nil, fmt.Errorf("schedule needs at least one trading window")
	}
	s := &Schedule{loc: loc, windows: make([]window, 0, len(cfg.Windows))}
	for i, wc := range cfg.Windows {
		w := window{
			days:        make(map[time.Weekday]bool, len(wc.Days)),
			preOpen:     time.Duration(wc.PreOpenMinutes) * time.Minute,
			auctionCall: time.Duration(wc.AuctionCallSeconds) * time.Second,
		}
		for _, d := range wc.Days {
			day, err := parseWeekday(d)
			if err != nil {
				return nil, fmt.Errorf("window %d: %w", i, err)
			}
			w.days[day] = true
		}
		if w.open, err = parseClock(wc.Open); err != nil {
			return nil, fmt.Errorf("window %d open: %w", i, err)
		}
		if w.close, err = parseClock(wc.Close); err != nil {
			return nil, fmt.Errorf("window %d close: %w", i, err)
		}
		if w.open >= w.close {
			return nil, fmt.Errorf("window %d: open %s is not before close %s", i, wc.Open, wc.Close)
		}
		if time.Duration(w.open)*time.Minute+w.auctionCall > time.Duration(w.close)*time.Minute {
			return nil, fmt.Errorf("window %d: auction call runs past the close", i)
		}
		s.windows = append(s.windows, w)
	}
	return s, nil
}

// StateAt returns the phase state for the given instant. Pre-open windows
// may start on the previous calendar day (an early open), so each window
// is checked anchored both today and tomorrow.
func (s *Schedule) StateAt(now time.Time) types.PhaseState {
	local := now.In(s.loc)
	for _, w := range s.windows {
		for _, offset := range []int{0, 1} {
			anchor := local.AddDate(0, 0, offset)
			if !w.days[anchor.Weekday()] {
				continue
			}
			openAt := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), w.open/60, w.open%60, 0, 0, s.loc)
			closeAt := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), w.close/60, w.close%60, 0, 0, s.loc)
			switch {
			case local.Before(openAt.Add(-w.preOpen)) || !local.Before(closeAt):
				continue
			case local.Before(openAt):
				return StateFor(types.PhasePreOpen)
			case local.Before(openAt.Add(w.auctionCall)):
				return StateFor(types.PhaseOpeningAuction)
			default:
				return StateFor(types.PhaseContinuous)
			}
		}
	}
	return StateFor(types.PhaseClosed)
}

// Always returns a PhaseManager pinned to one phase, for tests and local
// experiments that should not depend on the wall clock.
func Always(phase types.PhaseType) PhaseManager {
	return fixedPhase{state: StateFor(phase)}
}

type fixedPhase struct {
	state types.PhaseState
}

func (f fixedPhase) StateAt(time.Time) types.PhaseState { return f.state }

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
