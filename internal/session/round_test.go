package session

import (
	"testing"
	"time"
)

func TestGlobalRoundCompletesWhenAllConnectionsFinish(t *testing.T) {
	r := NewGlobalRound()
	r.SetActiveConnections(2)

	start := time.Now()
	r.StartRound(start)

	complete, _ := r.RecordConnectionFinished(start.Add(5 * time.Microsecond))
	if complete {
		t.Fatal("round should not complete after only 1 of 2 connections finish")
	}

	complete, elapsed := r.RecordConnectionFinished(start.Add(8 * time.Microsecond))
	if !complete {
		t.Fatal("round should complete once both connections finish")
	}
	if elapsed != 8*time.Microsecond {
		t.Fatalf("expected 8us round latency, got %s", elapsed)
	}
	if r.Latency.Count() != 1 {
		t.Fatalf("expected 1 global latency sample, got %d", r.Latency.Count())
	}
}

func TestGlobalRoundResetsFinishedCountEachRound(t *testing.T) {
	r := NewGlobalRound()
	r.SetActiveConnections(1)

	start := time.Now()
	r.StartRound(start)
	complete, _ := r.RecordConnectionFinished(start.Add(time.Microsecond))
	if !complete {
		t.Fatal("expected round 1 to complete")
	}

	r.StartRound(start.Add(time.Second))
	complete, _ = r.RecordConnectionFinished(start.Add(time.Second + time.Microsecond))
	if !complete {
		t.Fatal("expected round 2 to complete independently of round 1's finished count")
	}
	if r.Latency.Count() != 2 {
		t.Fatalf("expected 2 global latency samples across 2 rounds, got %d", r.Latency.Count())
	}
}

func TestGlobalRoundWithZeroActiveConnectionsNeverCompletes(t *testing.T) {
	r := NewGlobalRound()
	start := time.Now()
	r.StartRound(start)

	complete, _ := r.RecordConnectionFinished(start.Add(time.Microsecond))
	if complete {
		t.Fatal("a round with no active connections should never report complete")
	}
}
