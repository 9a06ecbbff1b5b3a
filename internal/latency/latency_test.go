package latency

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMeterRecordsElapsedNanoseconds(t *testing.T) {
	m := NewMeter()
	start := time.Now()
	m.StartRound(start)

	end := start.Add(1500 * time.Nanosecond)
	elapsed := m.RecordElapsed(end)

	if elapsed != 1500 {
		t.Fatalf("expected 1500ns elapsed, got %d", elapsed)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 sample recorded, got %d", m.Count())
	}
}

func TestMeterAccumulatesAcrossRounds(t *testing.T) {
	m := NewMeter()
	base := time.Now()

	m.StartRound(base)
	m.RecordElapsed(base.Add(100 * time.Nanosecond))

	m.StartRound(base.Add(time.Second))
	m.RecordElapsed(base.Add(time.Second + 200*time.Nanosecond))

	samples := m.Samples()
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0] != 100 || samples[1] != 200 {
		t.Fatalf("unexpected samples: %v", samples)
	}
}

func TestConnectionAndGlobalSampleFileNaming(t *testing.T) {
	dir := "/tmp/microview-samples"
	conn := ConnectionSampleFile(dir, "7c2b")
	if conn != filepath.Join(dir, "latency_samples_7c2b.txt") {
		t.Fatalf("unexpected connection sample path: %s", conn)
	}

	global := GlobalSampleFile(dir)
	if global != filepath.Join(dir, "read_completion_latency.txt") {
		t.Fatalf("unexpected global sample path: %s", global)
	}
}

func TestWriteSamplesOneValuePerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.txt")

	if err := WriteSamples(path, []int64{10, 20, 30}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "10\n20\n30\n" {
		t.Fatalf("unexpected file contents: %q", string(data))
	}
}

func TestWriteSamplesEmptySliceProducesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")

	if err := WriteSamples(path, nil); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty file, got %q", string(data))
	}
}
