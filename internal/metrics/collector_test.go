package metrics

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alessandrocornacchia/microview-cp/internal/session"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestCollectorExportsControlPlaneMetrics(t *testing.T) {
	t.Parallel()

	round := session.NewGlobalRound()
	table := session.NewTable(round)

	conn := table.Register("pod-1111", 1024, 2)

	base := time.Unix(100, 0)
	conn.ArmBatch(base)
	if complete, _ := conn.OnReadCompletion(base.Add(5 * time.Microsecond)); complete {
		t.Fatal("batch complete after one of two reads")
	}
	if complete, _ := conn.OnReadCompletion(base.Add(10 * time.Microsecond)); !complete {
		t.Fatal("batch not complete after final read")
	}

	round.StartRound(base)
	if complete, _ := round.RecordConnectionFinished(base.Add(20 * time.Microsecond)); !complete {
		t.Fatal("round not complete with a single active connection finished")
	}

	c := New(table, round, newDiscardLogger())

	expected := `
# HELP microview_active_connections Number of RDMA connections currently accepted and registered.
# TYPE microview_active_connections gauge
microview_active_connections 1
# HELP microview_scrape_rounds_total Total number of completed global scrape rounds (all active connections finished their batch).
# TYPE microview_scrape_rounds_total counter
microview_scrape_rounds_total 1
# HELP microview_last_round_latency_nanoseconds End-to-end latency of the most recently completed global round.
# TYPE microview_last_round_latency_nanoseconds gauge
microview_last_round_latency_nanoseconds 20000
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"microview_active_connections",
		"microview_scrape_rounds_total",
		"microview_last_round_latency_nanoseconds",
	)
	if err != nil {
		t.Fatalf("unexpected metric output: %v", err)
	}

	if got := testutil.CollectAndCount(c, "microview_connection_batches_total"); got != 1 {
		t.Fatalf("connection batches series count = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(c, "microview_connection_last_batch_latency_nanoseconds"); got != 1 {
		t.Fatalf("connection last-latency series count = %d, want 1", got)
	}
}

func TestCollectorOmitsLatencyBeforeFirstRound(t *testing.T) {
	t.Parallel()

	round := session.NewGlobalRound()
	table := session.NewTable(round)
	table.Register("pod-2222", 1024, 1)

	c := New(table, round, newDiscardLogger())

	if got := testutil.CollectAndCount(c, "microview_last_round_latency_nanoseconds"); got != 0 {
		t.Fatalf("last-round latency series count before first round = %d, want 0", got)
	}
	if got := testutil.CollectAndCount(c, "microview_connection_last_batch_latency_nanoseconds"); got != 0 {
		t.Fatalf("connection last-latency series count before first batch = %d, want 0", got)
	}

	if _, ok := c.LastRoundLatencyNS(); ok {
		t.Fatal("LastRoundLatencyNS reported ok before any round completed")
	}
	if got := c.ActiveConnections(); got != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", got)
	}
}
