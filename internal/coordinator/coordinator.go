// Package coordinator bridges synchronous API calls to the asynchronous
// order pipeline.
//
// Lifecycle of one submission:
//  1. The API handler registers a request and receives a request ID. The
//     capacity check and the insertion are atomic, so the pending table
//     can never exceed its bound.
//  2. The handler enqueues the order (carrying the ID) and blocks in
//     WaitForCompletion.
//  3. A pipeline stage finishes the order and calls NotifyCompletion with
//     the outcome. The first completion wins; later ones are dropped.
//  4. The waiter observes the result (or a timeout) and the entry is
//     removed on that first observation.
//
// A janitor goroutine sweeps entries whose waiter never showed up, and
// Shutdown flushes every pending waiter with SERVICE_SHUTDOWN so no HTTP
// handler is left hanging when the process exits.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

// Sentinel errors returned by Register.
var (
	ErrOverloaded   = errors.New("pending request table at capacity")
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// pending is one in-flight request. done closes exactly once, when a
// result lands (pipeline completion, shutdown, or janitor sweep); result
// is immutable after that.
type pending struct {
	id        string
	team      string
	createdAt time.Time
	done      chan struct{}
	result    types.APIResponse
	completed bool
}

// Coordinator is the bounded pending-request table.
type Coordinator struct {
	mu         sync.Mutex
	pending    map[string]*pending
	maxPending int
	timeout    time.Duration
	sweepEvery time.Duration
	down       bool
	logger     *slog.Logger
}

// New creates a coordinator from configuration.
func New(cfg config.CoordinatorConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		pending:    make(map[string]*pending),
		maxPending: cfg.MaxPendingRequests,
		timeout:    cfg.DefaultTimeout,
		sweepEvery: cfg.CleanupInterval,
		logger:     logger.With("component", "coordinator"),
	}
}

// Register inserts a fresh pending entry and returns its request ID.
// Fails with ErrOverloaded at capacity and ErrShuttingDown after
// Shutdown.
func (c *Coordinator) Register(team string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", ErrShuttingDown
	}
	if len(c.pending) >= c.maxPending {
		return "", ErrOverloaded
	}
	id := uuid.NewString()
	c.pending[id] = &pending{
		id:        id,
		team:      team,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	return id, nil
}

// NotifyCompletion delivers the pipeline outcome for a request. Returns
// false when the request is unknown or already completed — including the
// case where the waiter already timed out and took the entry with it.
func (c *Coordinator) NotifyCompletion(id string, result types.APIResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.completed {
		return false
	}
	p.result = result
	p.completed = true
	close(p.done)
	return true
}

// WaitForCompletion blocks until the request's result lands or the
// timeout expires (timeout <= 0 uses the configured default). The entry
// is removed on this first observation either way. A timed-out submission
// may still execute inside the pipeline; the TIMEOUT response says so.
func (c *Coordinator) WaitForCompletion(id string, timeout time.Duration) types.APIResponse {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return timeoutResponse(id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return p.result
	case <-timer.C:
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.pending, id)
		if p.completed {
			// Completion raced the timer; prefer the real outcome.
			return p.result
		}
		return timeoutResponse(id)
	}
}

// Abort discards a registered entry whose order never reached the
// pipeline (for example, the intake queue stayed full). Frees the slot
// without producing a result.
func (c *Coordinator) Abort(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Shutdown flushes every uncompleted entry with SERVICE_SHUTDOWN and
// refuses further registrations. Idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return
	}
	c.down = true
	flushed := 0
	for _, p := range c.pending {
		if p.completed {
			continue
		}
		p.result = types.APIResponse{
			Success:   false,
			RequestID: p.id,
			Error: &types.APIError{
				Code:    types.ErrCodeShutdown,
				Message: "service is shutting down",
			},
			Timestamp: time.Now().UTC(),
		}
		p.completed = true
		close(p.done)
		flushed++
	}
	c.logger.Info("coordinator shut down", "flushed", flushed)
}

// PendingCount returns the number of in-flight entries.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run sweeps abandoned entries until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	c.logger.Info("coordinator janitor started", "interval", c.sweepEvery)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator janitor stopped")
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep removes entries old enough that any well-behaved waiter has long
// given up. Uncompleted ones are finished with TIMEOUT first, so a stuck
// waiter unblocks rather than leaks.
func (c *Coordinator) sweep(now time.Time) {
	cutoff := now.Add(-2 * c.timeout)
	c.mu.Lock()
	swept := 0
	for id, p := range c.pending {
		if p.createdAt.After(cutoff) {
			continue
		}
		if !p.completed {
			p.result = timeoutResponse(id)
			p.completed = true
			close(p.done)
		}
		delete(c.pending, id)
		swept++
	}
	c.mu.Unlock()
	if swept > 0 {
		c.logger.Warn("swept abandoned pending requests", "count", swept)
	}
}

func timeoutResponse(id string) types.APIResponse {
	return types.APIResponse{
		Success:   false,
		RequestID: id,
		Error: &types.APIError{
			Code:    types.ErrCodeTimeout,
			Message: "request timed out awaiting pipeline completion",
			Details: "the order may still have executed; reconcile via positions and the trade feed",
		},
		Timestamp: time.Now().UTC(),
	}
}
