package tick

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMailboxCoalescesMultipleSignals(t *testing.T) {
	mb := NewMailbox()
	mb.Signal()
	mb.Signal()
	mb.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !mb.Wait(ctx) {
		t.Fatal("expected a pending tick")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if mb.Wait(ctx2) {
		t.Fatal("second Wait should not observe a leftover tick from the coalesced signals")
	}
}

func TestMailboxWaitBlocksUntilSignal(t *testing.T) {
	mb := NewMailbox()
	result := make(chan bool, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result <- mb.Wait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	mb.Signal()

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("expected Wait to report a consumed tick")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Signal")
	}
}

func TestMailboxCloseUnblocksWaiters(t *testing.T) {
	mb := NewMailbox()
	result := make(chan bool, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		result <- mb.Wait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	mb.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatal("expected Wait to report false on a closed mailbox")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Close")
	}
}

func TestMailboxWaitReturnsFalseOnContextCancel(t *testing.T) {
	mb := NewMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if mb.Wait(ctx) {
		t.Fatal("expected Wait to time out without a tick")
	}
}

func TestSchedulerBroadcastsToAllRegistered(t *testing.T) {
	s := NewScheduler(10*time.Millisecond, nil)
	mb1 := s.Register(1)
	mb2 := s.Register(2)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()

	if !mb1.Wait(waitCtx) {
		t.Fatal("expected connection 1 to receive a tick")
	}
	if !mb2.Wait(waitCtx) {
		t.Fatal("expected connection 2 to receive a tick")
	}
}

func TestSchedulerOnTickRunsBeforeMailboxesSignal(t *testing.T) {
	s := NewScheduler(10*time.Millisecond, nil)

	var hookRan bool
	var mu sync.Mutex
	s.OnTick(func(now time.Time) {
		mu.Lock()
		hookRan = true
		mu.Unlock()
	})

	mb := s.Register(1)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if !mb.Wait(waitCtx) {
		t.Fatal("expected a tick")
	}

	mu.Lock()
	defer mu.Unlock()
	if !hookRan {
		t.Fatal("expected OnTick hook to run before mailbox was signaled")
	}
}

func TestSchedulerUnregisterClosesMailbox(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	mb := s.Register(1)
	if s.Len() != 1 {
		t.Fatalf("expected 1 registered mailbox, got %d", s.Len())
	}

	s.Unregister(1)
	if s.Len() != 0 {
		t.Fatalf("expected 0 registered mailboxes after unregister, got %d", s.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if mb.Wait(ctx) {
		t.Fatal("expected Wait on an unregistered mailbox to report false")
	}
}
