// Package store keeps authoritative team positions in memory.
//
// Positions are signed contract counts per (team, instrument). The
// position-tracker pipeline stage is the only writer during trading; the
// validator and the API read snapshots. Everything is guarded by one
// mutex, and no method calls out of the package while holding it.
package store

import "sync"

// Positions is the in-memory position ledger.
type Positions struct {
	mu     sync.Mutex
	byTeam map[string]map[string]int64
}

// NewPositions creates an empty ledger.
func NewPositions() *Positions {
	return &Positions{byTeam: make(map[string]map[string]int64)}
}

// InitializeTeam ensures the team exists with an (initially) flat book.
// Idempotent: re-initializing an active team never wipes what it has
// accumulated.
func (p *Positions) InitializeTeam(team string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byTeam[team]; !ok {
		p.byTeam[team] = make(map[string]int64)
	}
}

// Update applies a signed delta to one instrument position. Unknown teams
// are created on the fly; flat positions are kept at explicit zero rather
// than deleted, so a snapshot shows every instrument a team has touched.
func (p *Positions) Update(team, symbol string, delta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	book, ok := p.byTeam[team]
	if !ok {
		book = make(map[string]int64)
		p.byTeam[team] = book
	}
	book[symbol] += delta
}

// Position returns the signed position for one instrument, zero when the
// team never traded it.
func (p *Positions) Position(team, symbol string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byTeam[team][symbol]
}

// Snapshot returns a copy of the team's positions. Mutating the returned
// map does not affect the ledger.
func (p *Positions) Snapshot(team string) map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.byTeam[team]))
	for symbol, qty := range p.byTeam[team] {
		out[symbol] = qty
	}
	return out
}

// TotalAbsolute returns the team's gross exposure: the sum of absolute
// positions across all instruments.
func (p *Positions) TotalAbsolute(team string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, qty := range p.byTeam[team] {
		if qty < 0 {
			qty = -qty
		}
		total += qty
	}
	return total
}
