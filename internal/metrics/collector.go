// Package metrics exposes the collector's control-plane state as
// Prometheus metrics, mirroring the persisted latency sample files so
// the same data is reachable both on disk and over /metrics.
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alessandrocornacchia/microview-cp/internal/session"
)

// ConnectionTable is the subset of session.Table the collector reads.
type ConnectionTable interface {
	Len() int
	Range(fn func(*session.Connection) bool)
}

// RoundTracker is the subset of session.GlobalRound the collector reads.
type RoundTracker interface {
	Samples() []int64
}

// ScrapeCollector implements prometheus.Collector over the MicroView
// collector's in-memory round and connection state.
type ScrapeCollector struct {
	table  ConnectionTable
	round  RoundTracker
	logger *slog.Logger

	activeConnectionsDesc *prometheus.Desc
	roundsDesc            *prometheus.Desc
	lastRoundLatencyDesc  *prometheus.Desc
	connBatchesDesc       *prometheus.Desc
	connLastLatencyDesc   *prometheus.Desc

	collectMu sync.Mutex
}

// New creates a ScrapeCollector reading from table and round.
func New(table ConnectionTable, round RoundTracker, logger *slog.Logger) *ScrapeCollector {
	if logger == nil {
		logger = slog.Default()
	}

	return &ScrapeCollector{
		table:  table,
		round:  round,
		logger: logger,
		activeConnectionsDesc: prometheus.NewDesc(
			"microview_active_connections",
			"Number of RDMA connections currently accepted and registered.",
			nil,
			nil,
		),
		roundsDesc: prometheus.NewDesc(
			"microview_scrape_rounds_total",
			"Total number of completed global scrape rounds (all active connections finished their batch).",
			nil,
			nil,
		),
		lastRoundLatencyDesc: prometheus.NewDesc(
			"microview_last_round_latency_nanoseconds",
			"End-to-end latency of the most recently completed global round.",
			nil,
			nil,
		),
		connBatchesDesc: prometheus.NewDesc(
			"microview_connection_batches_total",
			"Total number of completed READ batches for one connection.",
			[]string{"connection", "peer"},
			nil,
		),
		connLastLatencyDesc: prometheus.NewDesc(
			"microview_connection_last_batch_latency_nanoseconds",
			"Latency of the most recently completed READ batch for one connection.",
			[]string{"connection", "peer"},
			nil,
		),
	}
}

// ActiveConnections reports the current connection count, for the
// health endpoint.
func (c *ScrapeCollector) ActiveConnections() int {
	return c.table.Len()
}

// LastRoundLatencyNS reports the most recent global round latency, for
// the health endpoint. ok is false before the first round completes.
func (c *ScrapeCollector) LastRoundLatencyNS() (ns int64, ok bool) {
	samples := c.round.Samples()
	if len(samples) == 0 {
		return 0, false
	}
	return samples[len(samples)-1], true
}

// Describe implements prometheus.Collector.
func (c *ScrapeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnectionsDesc
	ch <- c.roundsDesc
	ch <- c.lastRoundLatencyDesc
	ch <- c.connBatchesDesc
	ch <- c.connLastLatencyDesc
}

// Collect implements prometheus.Collector.
func (c *ScrapeCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		c.activeConnectionsDesc,
		prometheus.GaugeValue,
		float64(c.table.Len()),
	)

	roundSamples := c.round.Samples()
	ch <- prometheus.MustNewConstMetric(
		c.roundsDesc,
		prometheus.CounterValue,
		float64(len(roundSamples)),
	)
	if len(roundSamples) > 0 {
		ch <- prometheus.MustNewConstMetric(
			c.lastRoundLatencyDesc,
			prometheus.GaugeValue,
			float64(roundSamples[len(roundSamples)-1]),
		)
	}

	c.table.Range(func(conn *session.Connection) bool {
		samples := conn.Latency.Samples()
		ch <- prometheus.MustNewConstMetric(
			c.connBatchesDesc,
			prometheus.CounterValue,
			float64(len(samples)),
			conn.RunID,
			conn.PeerID,
		)
		if len(samples) > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.connLastLatencyDesc,
				prometheus.GaugeValue,
				float64(samples[len(samples)-1]),
				conn.RunID,
				conn.PeerID,
			)
		}
		return true
	})
}
