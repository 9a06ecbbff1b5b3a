// Package liveness implements H's pod liveness watcher (spec.md §4.5):
// a periodic sweep of the control-plane table that disconnects RDMA
// connections belonging to pods whose OS process has exited.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alessandrocornacchia/microview-cp/internal/pods"
)

// ProcessAlive reports whether the process identified by pid still exists.
// The default implementation (Alive) uses the kill(pid, 0) existence probe;
// New accepts any ProcessAlive, so tests can substitute a fake without
// needing real processes to die on demand.
type ProcessAlive func(pid int) bool

// Alive is the production ProcessAlive: kill(pid, 0) returns ESRCH once the
// process no longer exists, and nil (or EPERM, meaning it exists but we
// lack permission to signal it) otherwise.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return true
	}
	return false
}

// Watcher is the dedicated liveness task described in spec.md §4.5.
type Watcher struct {
	table  *pods.Table
	period time.Duration
	alive  ProcessAlive
	logger *slog.Logger
}

// New constructs a Watcher. period is typically 2 seconds per spec.md §4.5;
// alive defaults to Alive when nil.
func New(table *pods.Table, period time.Duration, alive ProcessAlive, logger *slog.Logger) *Watcher {
	if alive == nil {
		alive = Alive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{table: table, period: period, alive: alive, logger: logger}
}

// Run sweeps the control-plane table every period until ctx is canceled.
// It blocks; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep performs one pass per spec.md §4.5: "under the control-plane mutex,
// iterates all registered pods. For each non-sentinel pod-id it queries the
// OS for the existence of that process; if the process no longer exists it
// calls the RDMA disconnect primitive ... The watcher does not block on
// disconnect completion; teardown drains asynchronously."
func (w *Watcher) sweep() {
	var toDisconnect []*pods.Registration

	w.table.Range(func(reg *pods.Registration) bool {
		if reg.Disconnecting {
			return true
		}
		if w.alive(int(reg.PodID)) {
			return true
		}
		reg.Disconnecting = true
		toDisconnect = append(toDisconnect, reg)
		return true
	})

	for _, reg := range toDisconnect {
		w.logger.Info("pod liveness check failed, disconnecting RDMA connection", "pod_id", reg.PodID)
		if reg.Disconnect != nil {
			reg.Disconnect()
		}
	}
}
