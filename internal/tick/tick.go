// Package tick implements the round scheduler: a fixed-interval signal
// fanned out to every registered connection's one-shot mailbox. A
// mailbox's defining property is freshness, not backlog: a connection
// that is still mid-round when the next tick fires does not queue a
// second round behind it, it simply finds the mailbox already signaled
// when it next checks.
package tick

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mailbox is a single-slot, coalescing signal. Multiple Signal calls
// between two Wait calls are collapsed into one pending tick.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	closed  bool
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Signal marks a tick pending and wakes any waiter. Safe to call from the
// scheduler's goroutine while a connection's own goroutine is blocked in
// Wait.
func (m *Mailbox) Signal() {
	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Close marks the mailbox permanently closed and wakes any waiter; used
// during connection teardown so a blocked Wait returns instead of
// hanging until process exit.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Wait blocks until a tick is pending, the mailbox is closed, or ctx is
// done, whichever comes first. It reports true if a tick was consumed,
// false if the mailbox closed or ctx expired first. Waiting never
// observes more than one pending tick regardless of how many times
// Signal ran in the interim.
func (m *Mailbox) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		m.cond.Broadcast()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.pending && !m.closed {
		select {
		case <-done:
			return false
		default:
		}
		m.cond.Wait()
	}

	if m.pending {
		m.pending = false
		return true
	}
	return false
}

// Scheduler owns the round interval and fans out a Signal to every
// registered connection's mailbox on each tick.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	mailboxes map[uint64]*Mailbox

	beforeBroadcast func(now time.Time)
}

// OnTick registers a hook run once per tick, before any mailbox is
// signaled. The collector uses this to start the global round's
// accounting (spec.md §4.4 step 1) strictly before any connection can
// observe the tick and begin posting.
func (s *Scheduler) OnTick(fn func(now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeBroadcast = fn
}

// NewScheduler returns a scheduler that ticks every interval once Run is
// called.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval:  interval,
		logger:    logger,
		mailboxes: make(map[uint64]*Mailbox),
	}
}

// Register creates and returns a mailbox for connectionID, replacing any
// prior mailbox registered under the same id.
func (s *Scheduler) Register(connectionID uint64) *Mailbox {
	mb := NewMailbox()
	s.mu.Lock()
	s.mailboxes[connectionID] = mb
	s.mu.Unlock()
	return mb
}

// Unregister removes connectionID's mailbox and closes it, unblocking any
// in-flight Wait.
func (s *Scheduler) Unregister(connectionID uint64) {
	s.mu.Lock()
	mb, ok := s.mailboxes[connectionID]
	delete(s.mailboxes, connectionID)
	s.mu.Unlock()

	if ok {
		mb.Close()
	}
}

// Len reports the number of currently registered mailboxes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailboxes)
}

// Run fires a tick every interval until ctx is done, signaling every
// mailbox registered at that moment. A connection registered after a
// tick fires simply waits for the next one; it never receives a
// retroactive signal.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Scheduler) broadcast() {
	s.mu.Lock()
	targets := make([]*Mailbox, 0, len(s.mailboxes))
	for _, mb := range s.mailboxes {
		targets = append(targets, mb)
	}
	hook := s.beforeBroadcast
	s.mu.Unlock()

	now := time.Now()
	if hook != nil {
		hook(now)
	}

	for _, mb := range targets {
		mb.Signal()
	}
	s.logger.Debug("tick broadcast", "connections", len(targets))
}
