package session

import (
	"sync"

	"github.com/google/uuid"
)

// Table is the stable-index connection slab spec.md §9 calls for in
// place of a fixed-size array indexed by a reused counter: indices are
// allocated monotonically and never recycled within a process lifetime,
// while each connection additionally carries a run-monotonic uuid used
// only for latency-sample file naming, keeping those names unambiguous
// even if a future revision does recycle indices.
type Table struct {
	mu    sync.Mutex
	next  uint64
	conns map[uint64]*Connection
	round *GlobalRound
}

// NewTable returns an empty table. round, if non-nil, has its
// ActiveConnections count kept in sync with every Register/Remove.
func NewTable(round *GlobalRound) *Table {
	return &Table{
		conns: make(map[uint64]*Connection),
		round: round,
	}
}

// Register allocates a fresh stable index and run-monotonic id, builds a
// Connection, and stores it.
func (t *Table) Register(peerID string, blockSize uint32, mrsPerPod int) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.next
	t.next++

	conn := NewConnection(idx, uuid.New().String(), peerID, blockSize, mrsPerPod)
	t.conns[idx] = conn

	if t.round != nil {
		t.round.SetActiveConnections(len(t.conns))
	}
	return conn
}

// Remove deletes a connection from the table. The index is never
// reissued.
func (t *Table) Remove(index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, index)
	if t.round != nil {
		t.round.SetActiveConnections(len(t.conns))
	}
}

// Len reports the number of currently registered connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Range calls fn for every registered connection, stopping early if fn
// returns false. fn must not call back into the table.
func (t *Table) Range(fn func(*Connection) bool) {
	t.mu.Lock()
	snapshot := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}
	t.mu.Unlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}
