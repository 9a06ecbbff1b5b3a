package session

import (
	"testing"
	"time"

	"github.com/alessandrocornacchia/microview-cp/internal/wire"
)

func newTestConnection() *Connection {
	return NewConnection(0, "run-1", "pod-1111", 1024, 4)
}

func TestRecvStateAdvancesOnMR(t *testing.T) {
	c := newTestConnection()
	mr := wire.MemoryRegion{RemoteAddr: 0x1000, RKey: 42, Length: 1024}

	if err := c.OnRecvCompletion(wire.ControlMessage{Tag: wire.TagMR, Payload: mr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.RecvState() != RecvMRRecv {
		t.Fatalf("expected MR_RECV, got %s", c.RecvState())
	}
	if c.PeerMR() != mr {
		t.Fatalf("expected peer MR %+v, got %+v", mr, c.PeerMR())
	}
}

func TestRecvStateRejectsDuplicateMR(t *testing.T) {
	c := newTestConnection()
	mr := wire.MemoryRegion{RemoteAddr: 1, RKey: 1, Length: 1024}

	if err := c.OnRecvCompletion(wire.ControlMessage{Tag: wire.TagMR, Payload: mr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := c.OnRecvCompletion(wire.ControlMessage{Tag: wire.TagMR, Payload: mr})
	if err == nil {
		t.Fatal("expected a protocol error for a second MR on the same connection")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestSendStateRejectsRegression(t *testing.T) {
	c := newTestConnection()
	if err := c.AdvanceSendState(SendMRSent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.AdvanceSendState(SendInit); err == nil {
		t.Fatal("expected an error regressing send-state")
	}
}

func TestReadyForNextBatchRequiresMRAndIdleBatch(t *testing.T) {
	c := newTestConnection()
	if c.ReadyForNextBatch() {
		t.Fatal("should not be ready before MR received")
	}

	mr := wire.MemoryRegion{RemoteAddr: 1, RKey: 1, Length: 1024}
	if err := c.OnRecvCompletion(wire.ControlMessage{Tag: wire.TagMR, Payload: mr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.ReadyForNextBatch() {
		t.Fatal("should be ready once MR received and idle")
	}

	c.ArmBatch(time.Now())
	if c.ReadyForNextBatch() {
		t.Fatal("should not be ready while a batch is outstanding")
	}
}

func TestOnReadCompletionOnlyCompletesOnNth(t *testing.T) {
	c := newTestConnection() // MRsPerPod = 4
	mr := wire.MemoryRegion{RemoteAddr: 1, RKey: 1, Length: 1024}
	if err := c.OnRecvCompletion(wire.ControlMessage{Tag: wire.TagMR, Payload: mr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	c.ArmBatch(start)

	for i := 0; i < 3; i++ {
		complete, _ := c.OnReadCompletion(start.Add(time.Duration(i+1) * time.Microsecond))
		if complete {
			t.Fatalf("batch should not complete before the %dth read", c.MRsPerPod)
		}
	}

	complete, elapsed := c.OnReadCompletion(start.Add(10 * time.Microsecond))
	if !complete {
		t.Fatal("expected the 4th completion to finish the batch")
	}
	if elapsed != 10*time.Microsecond {
		t.Fatalf("expected 10us elapsed, got %s", elapsed)
	}
	if c.Latency.Count() != 1 {
		t.Fatalf("expected 1 latency sample recorded, got %d", c.Latency.Count())
	}
	if !c.ReadyForNextBatch() {
		t.Fatal("connection should be ready for the next batch once the prior one completes")
	}
}
