// Package pods implements H's side of the local pod-agent handshake
// (spec.md §4.1) and the control-plane table tying pod liveness to RDMA
// connection lifetime (§3, §4.5).
package pods

import (
	"sync"

	"github.com/alessandrocornacchia/microview-cp/internal/shm"
)

// Registration is the PodRegistration entity from spec.md §3: everything H
// knows about one registered pod. Page holds the mapped shared-memory
// region; Disconnect, once set, requests teardown of the RDMA connection
// built on top of that page (set by the caller once the pod's CM id exists,
// before connection-build, so the liveness watcher in §4.5 can drive it
// without this package depending on the RDMA session package).
type Registration struct {
	PodID      uint32
	Page       *shm.Page
	Disconnect func()

	// Disconnecting is set by the liveness watcher (§4.5) the first time it
	// observes this pod dead, so a subsequent sweep before teardown
	// completes does not call Disconnect a second time. It is guarded by
	// Table's mutex, touched only from within a Range callback.
	Disconnecting bool
}

// Table is the control-plane table from spec.md §4.2: "H registers the new
// PodRegistration (pod-id, CM id) into a shared control-plane table under a
// mutex so the liveness watcher can reach it." Unlike the source's
// fixed-size array with a -1 sentinel for dead slots, a registered pod's
// entry is simply removed from the map once its connection is torn down —
// the map has no notion of slot reuse to guard against (spec.md §9
// redesign note).
type Table struct {
	mu   sync.Mutex
	regs map[uint32]*Registration
}

// NewTable constructs an empty control-plane table.
func NewTable() *Table {
	return &Table{regs: make(map[uint32]*Registration)}
}

// Register adds a newly-handshaked pod. It is a programming error to
// register the same pod-id twice without removing it first; the second
// registration replaces the first (mirrors "the shared object name is
// reused on retry" from spec.md §4.1's failure policy).
func (t *Table) Register(reg *Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[reg.PodID] = reg
}

// SetDisconnect attaches the connection-teardown callback to an existing
// registration, once the CM id for that pod's RDMA session exists (§4.2).
// It is a no-op if the pod has since been removed (e.g. it died before its
// connection finished establishing).
func (t *Table) SetDisconnect(podID uint32, disconnect func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok := t.regs[podID]; ok {
		reg.Disconnect = disconnect
	}
}

// Remove deletes a pod's registration, e.g. once its connection has
// finished tearing down (§4.6).
func (t *Table) Remove(podID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.regs, podID)
}

// Lookup returns a pod's registration, if any.
func (t *Table) Lookup(podID uint32) (*Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.regs[podID]
	return reg, ok
}

// Len reports the number of currently-registered pods.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regs)
}

// Range iterates every registered pod under the control-plane mutex, per
// spec.md §4.5: "a dedicated task wakes every two seconds and, under the
// control-plane mutex, iterates all registered pods." The callback must not
// call back into the Table (it already holds the lock); fn returning false
// stops iteration early.
func (t *Table) Range(fn func(*Registration) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, reg := range t.regs {
		if !fn(reg) {
			return
		}
	}
}
