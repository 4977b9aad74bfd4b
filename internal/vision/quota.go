package vision

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// QuotaTracker is a sliding-window rate limiter for recognition calls.
// It keeps the timestamps of recorded calls inside a trailing window and
// reports availability whenever fewer than the budget remain after pruning.
//
// The check is advisory, not atomic with the call itself: callers reserve
// capacity with RecordCall before the call completes so a burst of
// same-frame candidates cannot all observe free capacity. With a single
// enrichment worker this check-then-act split is race-free; multiple
// workers would need CanCallNow+RecordCall fused into one reservation.
type QuotaTracker struct {
	mu     sync.Mutex
	clock  clock.Clock
	limit  int
	window time.Duration
	calls  []time.Time
}

// NewQuotaTracker creates a tracker allowing limit calls per window.
// Pass clock.New() for production use or clock.NewMock() in tests.
func NewQuotaTracker(limit int, window time.Duration, clk clock.Clock) *QuotaTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &QuotaTracker{
		clock:  clk,
		limit:  limit,
		window: window,
	}
}

// CanCallNow prunes entries older than the window and reports whether the
// remaining count is below the budget.
func (q *QuotaTracker) CanCallNow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	return len(q.calls) < q.limit
}

// RecordCall reserves one slot in the current window. Callers invoke this
// at dispatch time, before the recognition call is made.
func (q *QuotaTracker) RecordCall() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	q.calls = append(q.calls, q.clock.Now())
}

// Usage returns the number of calls currently counted against the window
// and the configured budget.
func (q *QuotaTracker) Usage() (used, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	return len(q.calls), q.limit
}

// Window returns the configured trailing window.
func (q *QuotaTracker) Window() time.Duration {
	return q.window
}

// pruneLocked drops timestamps that have aged out of the window.
// Caller must hold q.mu.
func (q *QuotaTracker) pruneLocked() {
	cutoff := q.clock.Now().Add(-q.window)
	keep := q.calls[:0]
	for _, ts := range q.calls {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	q.calls = keep
}
