package session

import (
	"sync"
	"time"

	"github.com/alessandrocornacchia/microview-cp/internal/latency"
)

// GlobalRound is the collector's ScrapeTick accounting (spec.md §3):
// started once per tick, completed when every active connection has
// reported its full batch.
type GlobalRound struct {
	mu                sync.Mutex
	activeConnections int
	finished          int
	start             time.Time

	Latency *latency.Meter
}

// NewGlobalRound returns an empty round tracker.
func NewGlobalRound() *GlobalRound {
	return &GlobalRound{Latency: latency.NewMeter()}
}

// SetActiveConnections updates how many connection completions a round
// must see before it is considered finished. Table calls this on every
// Register and Remove.
func (r *GlobalRound) SetActiveConnections(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeConnections = n
}

// ActiveConnections reports the last value set by SetActiveConnections.
func (r *GlobalRound) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeConnections
}

// StartRound zeroes the finished counter and captures the round's start
// instant (spec.md §4.4 step 1). Called once per tick, before any
// connection's mailbox is signaled.
func (r *GlobalRound) StartRound(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = 0
	r.start = now
	r.Latency.StartRound(now)
}

// Samples returns a snapshot of every completed round's latency, in
// nanoseconds.
func (r *GlobalRound) Samples() []int64 {
	return r.Latency.Samples()
}

// RecordConnectionFinished registers that one connection completed its
// batch for the current round. It reports roundComplete=true exactly
// when this was the last connection the round was waiting on, at which
// point elapsed holds the round's end-to-end latency and the sample has
// already been appended to r.Latency.
func (r *GlobalRound) RecordConnectionFinished(now time.Time) (roundComplete bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished++
	if r.activeConnections == 0 || r.finished < r.activeConnections {
		return false, 0
	}

	elapsed = time.Duration(r.Latency.RecordElapsed(now))
	return true, elapsed
}
