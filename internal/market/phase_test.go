package market

import (
	"testing"
	"time"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

// weekdaySessions is a Mon-Fri 09:30-16:00 UTC calendar with a 30 minute
// pre-open and a 10 second opening auction.
func weekdaySessions() config.SessionsConfig {
	return config.SessionsConfig{
		Timezone: "UTC",
		Windows: []config.SessionWindow{{
			Days:               []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
			Open:               "09:30",
			Close:              "16:00",
			PreOpenMinutes:     30,
			AuctionCallSeconds: 10,
		}},
	}
}

func TestStateForCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		phase  types.PhaseType
		submit bool
		cancel bool
		match  bool
		exec   types.ExecutionStyle
	}{
		{types.PhaseClosed, false, false, false, types.ExecNone},
		{types.PhasePreOpen, true, true, false, types.ExecBatch},
		{types.PhaseOpeningAuction, false, false, true, types.ExecBatch},
		{types.PhaseContinuous, true, true, true, types.ExecContinuous},
	}

	for _, tt := range tests {
		st := StateFor(tt.phase)
		if st.AllowSubmit != tt.submit || st.AllowCancel != tt.cancel || st.AllowMatch != tt.match || st.Execution != tt.exec {
			t.Errorf("StateFor(%s) = %+v, want submit=%v cancel=%v match=%v exec=%s",
				tt.phase, st, tt.submit, tt.cancel, tt.match, tt.exec)
		}
	}
}

func TestScheduleStateAt(t *testing.T) {
	t.Parallel()

	sched, err := NewSchedule(weekdaySessions())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	// 2026-08-24 is a Monday.
	tests := []struct {
		name string
		at   time.Time
		want types.PhaseType
	}{
		{"before pre-open", time.Date(2026, 8, 24, 8, 59, 59, 0, time.UTC), types.PhaseClosed},
		{"pre-open start", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), types.PhasePreOpen},
		{"pre-open late", time.Date(2026, 8, 24, 9, 29, 59, 0, time.UTC), types.PhasePreOpen},
		{"auction call start", time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), types.PhaseOpeningAuction},
		{"auction call late", time.Date(2026, 8, 24, 9, 30, 9, 0, time.UTC), types.PhaseOpeningAuction},
		{"continuous start", time.Date(2026, 8, 24, 9, 30, 10, 0, time.UTC), types.PhaseContinuous},
		{"midday", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), types.PhaseContinuous},
		{"last second", time.Date(2026, 8, 24, 15, 59, 59, 0, time.UTC), types.PhaseContinuous},
		{"at the close", time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC), types.PhaseClosed},
		{"saturday midday", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), types.PhaseClosed},
		{"sunday midday", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), types.PhaseClosed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := sched.StateAt(tt.at); got.Phase != tt.want {
				t.Errorf("StateAt(%s) = %s, want %s", tt.at, got.Phase, tt.want)
			}
		})
	}
}

func TestScheduleTimezone(t *testing.T) {
	t.Parallel()

	cfg := weekdaySessions()
	cfg.Timezone = "America/New_York"
	sched, err := NewSchedule(cfg)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	// 13:00 UTC on a Monday in August is 09:00 in New York: pre-open.
	if got := sched.StateAt(time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)); got.Phase != types.PhasePreOpen {
		t.Errorf("13:00 UTC = %s, want pre_open (09:00 New York)", got.Phase)
	}
	// 14:00 UTC is 10:00 in New York: continuous.
	if got := sched.StateAt(time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)); got.Phase != types.PhaseContinuous {
		t.Errorf("14:00 UTC = %s, want continuous (10:00 New York)", got.Phase)
	}
}

func TestSchedulePreOpenCrossesMidnight(t *testing.T) {
	t.Parallel()

	sched, err := NewSchedule(config.SessionsConfig{
		Timezone: "UTC",
		Windows: []config.SessionWindow{{
			Days:               []string{"Tue"},
			Open:               "00:15",
			Close:              "01:00",
			PreOpenMinutes:     60,
			AuctionCallSeconds: 5,
		}},
	})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	// Tuesday's pre-open starts 23:15 Monday.
	if got := sched.StateAt(time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)); got.Phase != types.PhasePreOpen {
		t.Errorf("Monday 23:30 = %s, want pre_open for Tuesday's session", got.Phase)
	}
	if got := sched.StateAt(time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)); got.Phase != types.PhaseClosed {
		t.Errorf("Monday 23:00 = %s, want closed", got.Phase)
	}
	if got := sched.StateAt(time.Date(2026, 8, 25, 0, 30, 0, 0, time.UTC)); got.Phase != types.PhaseContinuous {
		t.Errorf("Tuesday 00:30 = %s, want continuous", got.Phase)
	}
}

func TestNewScheduleRejectsBadWindows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.SessionsConfig
	}{
		{
			name: "bad timezone",
			cfg: config.SessionsConfig{Timezone: "Mars/Olympus", Windows: []config.SessionWindow{{
				Days: []string{"Mon"}, Open: "09:30", Close: "16:00",
			}}},
		},
		{
			name: "no windows",
			cfg:  config.SessionsConfig{Timezone: "UTC"},
		},
		{
			name: "open after close",
			cfg: config.SessionsConfig{Timezone: "UTC", Windows: []config.SessionWindow{{
				Days: []string{"Mon"}, Open: "16:00", Close: "09:30",
			}}},
		},
		{
			name: "auction call past close",
			cfg: config.SessionsConfig{Timezone: "UTC", Windows: []config.SessionWindow{{
				Days: []string{"Mon"}, Open: "09:30", Close: "09:31", AuctionCallSeconds: 120,
			}}},
		},
		{
			name: "unknown weekday",
			cfg: config.SessionsConfig{Timezone: "UTC", Windows: []config.SessionWindow{{
				Days: []string{"Caturday"}, Open: "09:30", Close: "16:00",
			}}},
		},
		{
			name: "unparseable open",
			cfg: config.SessionsConfig{Timezone: "UTC", Windows: []config.SessionWindow{{
				Days: []string{"Mon"}, Open: "9.30am", Close: "16:00",
			}}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSchedule(tt.cfg); err == nil {
				t.Error("NewSchedule accepted an invalid calendar")
			}
		})
	}
}

func TestAlways(t *testing.T) {
	t.Parallel()

	pm := Always(types.PhaseContinuous)
	st := pm.StateAt(time.Now())
	if st.Phase != types.PhaseContinuous || !st.AllowSubmit || !st.AllowMatch {
		t.Errorf("Always(continuous).StateAt = %+v", st)
	}
	// Clock-independent.
	if got := pm.StateAt(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)); got.Phase != types.PhaseContinuous {
		t.Errorf("Always ignored the clock: %s", got.Phase)
	}
}
