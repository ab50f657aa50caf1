package risk

import (
	"sync"
	"time"
)

// Counter tracks accepted submissions per team per wall-clock second. The
// validator stage reads the current second's count before the order-rate
// check and increments it only for accepted orders, so rejected spam does
// not consume a team's budget.
//
// Entries older than the previous second are swept lazily on increment;
// the map never holds more than two seconds of history per active team.
type Counter struct {
	mu        sync.Mutex
	counts    map[rateKey]int
	lastSweep int64
}

type rateKey struct {
	team string
	sec  int64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[rateKey]int)}
}

// Count returns the team's accepted submissions within the second
// containing now.
func (c *Counter) Count(team string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[rateKey{team: team, sec: now.Unix()}]
}

// Increment records one accepted submission for the team.
func (c *Counter) Increment(team string, now time.Time) {
	sec := now.Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[rateKey{team: team, sec: sec}]++
	if sec > c.lastSweep {
		for k := range c.counts {
			if k.sec < sec-1 {
				delete(c.counts, k)
			}
		}
		c.lastSweep = sec
	}
}
