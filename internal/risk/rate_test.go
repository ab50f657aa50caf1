package risk

import (
	"testing"
	"time"
)

func TestCounterPerSecondWindow(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	now := time.Unix(1000, 0)

	if got := c.Count("team-a", now); got != 0 {
		t.Errorf("fresh count = %d, want 0", got)
	}
	c.Increment("team-a", now)
	c.Increment("team-a", now.Add(500*time.Millisecond))
	if got := c.Count("team-a", now); got != 2 {
		t.Errorf("count = %d, want 2 within one second", got)
	}

	// The next second starts a fresh budget.
	next := now.Add(time.Second)
	if got := c.Count("team-a", next); got != 0 {
		t.Errorf("count in the next second = %d, want 0", got)
	}
}

func TestCounterPerTeamIsolation(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	now := time.Unix(2000, 0)

	c.Increment("team-a", now)
	c.Increment("team-a", now)
	c.Increment("team-b", now)

	if got := c.Count("team-a", now); got != 2 {
		t.Errorf("team-a count = %d, want 2", got)
	}
	if got := c.Count("team-b", now); got != 1 {
		t.Errorf("team-b count = %d, want 1", got)
	}
}

func TestCounterSweepsStaleEntries(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	base := time.Unix(3000, 0)

	c.Increment("team-a", base)
	c.Increment("team-b", base)

	// Three seconds later an increment sweeps everything older than the
	// previous second.
	later := base.Add(3 * time.Second)
	c.Increment("team-a", later)

	c.mu.Lock()
	entries := len(c.counts)
	c.mu.Unlock()
	if entries != 1 {
		t.Errorf("map holds %d entries after the sweep, want 1", entries)
	}
	if got := c.Count("team-a", later); got != 1 {
		t.Errorf("current-second count = %d, want 1", got)
	}
}
