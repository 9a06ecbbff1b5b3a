// Package session implements the per-connection RDMA state machines for
// both roles MicroView plays: the host agent's active side (one
// connection per registered pod) and the collector's passive side (one
// connection per accepted host agent). It owns the data spec.md §3 calls
// RdmaConnection, the on-completion logic of §4.3, and the teardown
// sequencing of §4.6. The wire codec lives in internal/wire; the RDMA
// primitives themselves live in internal/rdmacm; this package only
// sequences them.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/alessandrocornacchia/microview-cp/internal/latency"
	"github.com/alessandrocornacchia/microview-cp/internal/wire"
)

// SendState is a connection's outbound control-message progress.
type SendState int

const (
	SendInit SendState = iota
	SendMRSent
	SendRDMASent
	SendDoneSent
)

func (s SendState) String() string {
	switch s {
	case SendInit:
		return "INIT"
	case SendMRSent:
		return "MR_SENT"
	case SendRDMASent:
		return "RDMA_SENT"
	case SendDoneSent:
		return "DONE_SENT"
	default:
		return "UNKNOWN"
	}
}

// RecvState is a connection's inbound control-message progress.
type RecvState int

const (
	RecvInit RecvState = iota
	RecvMRRecv
	RecvDoneRecv
)

func (s RecvState) String() string {
	switch s {
	case RecvInit:
		return "INIT"
	case RecvMRRecv:
		return "MR_RECV"
	case RecvDoneRecv:
		return "DONE_RECV"
	default:
		return "UNKNOWN"
	}
}

// ProtocolError marks a control-message error fatal only to the
// connection that raised it (spec.md §7: control-message protocol
// errors and completion errors are connection-fatal, never propagated
// past the connection boundary).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "control protocol error: " + e.Reason }

// Connection holds the state spec.md §3's RdmaConnection entity
// describes, independent of which role (host agent or collector) owns
// it and independent of the concrete RDMA resources backing it, so its
// invariants can be unit tested without hardware.
type Connection struct {
	Index    uint64 // stable logical index, never reused (spec.md §9 redesign note)
	RunID    string // run-monotonic id, used for latency sample file names
	PeerID   string // descriptive peer identifier (pod id, remote address)
	BlockSize uint32
	MRsPerPod int

	Latency *latency.Meter

	mu               sync.Mutex
	sendState        SendState
	recvState        RecvState
	connected        bool
	peerMR           wire.MemoryRegion
	completedReads   int
	outstandingReads int
	batchStart       time.Time
}

// NewConnection returns a fresh connection in its initial state.
func NewConnection(index uint64, runID, peerID string, blockSize uint32, mrsPerPod int) *Connection {
	return &Connection{
		Index:     index,
		RunID:     runID,
		PeerID:    peerID,
		BlockSize: blockSize,
		MRsPerPod: mrsPerPod,
		Latency:   latency.NewMeter(),
	}
}

// AdvanceSendState moves the connection's send-state forward. Regressing
// or skipping backward is an invariant violation (spec.md §3 invariant 1).
func (c *Connection) AdvanceSendState(next SendState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next < c.sendState {
		return fmt.Errorf("send-state regression: %s -> %s", c.sendState, next)
	}
	c.sendState = next
	return nil
}

// SendState returns the current send-state.
func (c *Connection) SendState() SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendState
}

// RecvState returns the current recv-state.
func (c *Connection) RecvState() RecvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvState
}

// MarkConnected records that ESTABLISHED fired for this connection.
func (c *Connection) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
}

// Connected reports whether ESTABLISHED has fired.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerMR returns the most recently received remote memory-region
// descriptor.
func (c *Connection) PeerMR() wire.MemoryRegion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMR
}

// OnRecvCompletion applies a successfully received control message,
// enforcing spec.md §3 invariant 1 (monotonic recv-state) and §7's rule
// that an unexpected tag for the current state is a protocol error fatal
// only to this connection.
func (c *Connection) OnRecvCompletion(msg wire.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Tag {
	case wire.TagMR:
		if c.recvState != RecvInit {
			return &ProtocolError{Reason: fmt.Sprintf("unexpected MR in recv-state %s", c.recvState)}
		}
		c.peerMR = msg.Payload
		c.recvState = RecvMRRecv
		return nil
	case wire.TagDone:
		if c.recvState == RecvDoneRecv {
			return &ProtocolError{Reason: "duplicate DONE"}
		}
		c.recvState = RecvDoneRecv
		return nil
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown control tag %d", msg.Tag)}
	}
}

// ReadyForNextBatch reports whether this connection may have a new READ
// batch posted: recv-state has reached MR_RECV and the previous
// batch (if any) has fully completed (spec.md §3 invariant 2).
func (c *Connection) ReadyForNextBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvState >= RecvMRRecv && c.outstandingReads == 0 && c.completedReads == 0
}

// ArmBatch records the start of a new batch of MRsPerPod outstanding
// RDMA READs, capturing now as the latency measurement's start instant.
func (c *Connection) ArmBatch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstandingReads = c.MRsPerPod
	c.completedReads = 0
	c.batchStart = now
	c.Latency.StartRound(now)
}

// OnReadCompletion applies a successful RDMA READ completion. It reports
// batchComplete=true exactly when this was the N-th completion of the
// current batch (spec.md §4.3, §8 property 3: no round overlap), at
// which point elapsed holds the batch's end-to-end latency and the
// sample has already been appended to c.Latency.
func (c *Connection) OnReadCompletion(now time.Time) (batchComplete bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completedReads++
	if c.completedReads < c.MRsPerPod {
		return false, 0
	}

	ns := c.Latency.RecordElapsed(now)
	c.completedReads = 0
	c.outstandingReads = 0
	return true, time.Duration(ns)
}
