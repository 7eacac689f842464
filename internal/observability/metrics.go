package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for
// ingestion and refinement runs.
type Metrics struct {
	ChunksAttempted *prometheus.CounterVec // labels: outcome={success,skipped,failed}
	RetryAttempts   prometheus.Counter
	RateLimited     prometheus.Counter
	RunRunning      prometheus.Gauge

	// Retrieval metrics.
	ChunkFetchDuration prometheus.Histogram
	ChunkPayloadBytes  prometheus.Histogram
	StationsInFlight   prometheus.Gauge

	// Refinement metrics.
	RefinePartitions        *prometheus.CounterVec // labels: outcome={success,skipped,failed}
	RefineRowsWritten       prometheus.Counter
	RefinePartitionDuration prometheus.Histogram
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		ChunksAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edr_ingest",
			Name:      "chunks_attempted_total",
			Help:      "Station-year chunks attempted by outcome.",
		}, []string{"outcome"}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edr_ingest",
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts issued by the retriever.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edr_ingest",
			Name:      "rate_limited_total",
			Help:      "Total 429 responses observed from the upstream API.",
		}),
		RunRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edr_ingest",
			Name:      "run_running",
			Help:      "1 while an ingestion run is active, 0 otherwise.",
		}),
		ChunkFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edr_ingest",
			Name:      "chunk_fetch_duration_seconds",
			Help:      "Duration of one upstream request attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ChunkPayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edr_ingest",
			Name:      "chunk_payload_bytes",
			Help:      "Size in bytes of a successfully fetched raw coverage payload.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		StationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edr_ingest",
			Name:      "stations_in_flight",
			Help:      "Number of stations currently being processed concurrently.",
		}),
		RefinePartitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edr_ingest",
			Name:      "refine_partitions_total",
			Help:      "Monthly refined partitions attempted by outcome.",
		}, []string{"outcome"}),
		RefineRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edr_ingest",
			Name:      "refine_rows_written_total",
			Help:      "Total observation rows written across refined partitions.",
		}),
		RefinePartitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edr_ingest",
			Name:      "refine_partition_duration_seconds",
			Help:      "Duration of parsing and writing one monthly partition.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
	}

	prometheus.MustRegister(
		m.ChunksAttempted,
		m.RetryAttempts,
		m.RateLimited,
		m.RunRunning,
		m.ChunkFetchDuration,
		m.ChunkPayloadBytes,
		m.StationsInFlight,
		m.RefinePartitions,
		m.RefineRowsWritten,
		m.RefinePartitionDuration,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		ChunksAttempted:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "edr_ingest", Name: "chunks_attempted_total"}, []string{"outcome"}),
		RetryAttempts:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "edr_ingest", Name: "retry_attempts_total"}),
		RateLimited:             prometheus.NewCounter(prometheus.CounterOpts{Namespace: "edr_ingest", Name: "rate_limited_total"}),
		RunRunning:              prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "edr_ingest", Name: "run_running"}),
		ChunkFetchDuration:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "edr_ingest", Name: "chunk_fetch_duration_seconds"}),
		ChunkPayloadBytes:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "edr_ingest", Name: "chunk_payload_bytes"}),
		StationsInFlight:        prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "edr_ingest", Name: "stations_in_flight"}),
		RefinePartitions:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "edr_ingest", Name: "refine_partitions_total"}, []string{"outcome"}),
		RefineRowsWritten:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "edr_ingest", Name: "refine_rows_written_total"}),
		RefinePartitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "edr_ingest", Name: "refine_partition_duration_seconds"}),
	}
}
