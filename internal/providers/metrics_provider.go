package providers

import (
	"time"

	"evmigrate/internal/structures"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsProviderInterface interface {
	IncRecordsMigrated(n int)
	IncRecordsSkipped(n int)
	IncBatchesCommitted()
	ObserveBatchDuration(duration time.Duration)
	ObserveCheckpointDuration(duration time.Duration)
	IncRollbacks(status string)
	SetSourceRecords(count int64)
	IncCacheHits(namespace string)
	IncCacheMisses(namespace string)
	Flush() error
}

type MetricsProvider struct {
	registry           *prometheus.Registry
	textfile           string
	recordsMigrated    prometheus.Counter
	recordsSkipped     prometheus.Counter
	batchesCommitted   prometheus.Counter
	batchDuration      prometheus.Histogram
	checkpointDuration prometheus.Histogram
	rollbacks          *prometheus.CounterVec
	sourceRecords      prometheus.Gauge
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
}

func (m *MetricsProvider) IncRecordsMigrated(n int) {
	m.recordsMigrated.Add(float64(n))
}

func (m *MetricsProvider) IncRecordsSkipped(n int) {
	m.recordsSkipped.Add(float64(n))
}

func (m *MetricsProvider) IncBatchesCommitted() {
	m.batchesCommitted.Inc()
}

func (m *MetricsProvider) ObserveBatchDuration(duration time.Duration) {
	m.batchDuration.Observe(duration.Seconds())
}

func (m *MetricsProvider) ObserveCheckpointDuration(duration time.Duration) {
	m.checkpointDuration.Observe(duration.Seconds())
}

func (m *MetricsProvider) IncRollbacks(status string) {
	m.rollbacks.WithLabelValues(status).Inc()
}

func (m *MetricsProvider) SetSourceRecords(count int64) {
	m.sourceRecords.Set(float64(count))
}

func (m *MetricsProvider) IncCacheHits(namespace string) {
	m.cacheHits.WithLabelValues(namespace).Inc()
}

func (m *MetricsProvider) IncCacheMisses(namespace string) {
	m.cacheMisses.WithLabelValues(namespace).Inc()
}

// Flush writes the collected metrics in the node_exporter textfile format.
// A command-line tool has no scrape endpoint, so this is the only export.
func (m *MetricsProvider) Flush() error {
	if m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.registry)
}

func (m *MetricsProvider) Registry() *prometheus.Registry {
	return m.registry
}

func NewMetricsProvider(conf *structures.Config) MetricsProviderInterface {
	if !conf.Metrics.Enabled {
		return &noopMetrics{}
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &MetricsProvider{
		registry: reg,
		textfile: conf.Metrics.Textfile,

		recordsMigrated: factory.NewCounter(prometheus.CounterOpts{
			Name: "evmigrate_records_migrated_total",
			Help: "Total number of legacy records written as events",
		}),

		recordsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "evmigrate_records_skipped_total",
			Help: "Total number of legacy records skipped because of data-quality errors",
		}),

		batchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "evmigrate_batches_committed_total",
			Help: "Total number of committed migration batches",
		}),

		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evmigrate_batch_duration_seconds",
			Help:    "Duration of one migration batch transaction in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		checkpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evmigrate_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint creation in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evmigrate_rollbacks_total",
			Help: "Total number of rollback attempts by outcome",
		}, []string{"status"}),

		sourceRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evmigrate_source_records",
			Help: "Number of records in the legacy source",
		}),

		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evmigrate_cache_hits_total",
			Help: "Total number of cache hits by key namespace",
		}, []string{"namespace"}),

		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evmigrate_cache_misses_total",
			Help: "Total number of cache misses by key namespace",
		}, []string{"namespace"}),
	}
}

// noopMetrics is a no-op implementation for when metrics are disabled.
type noopMetrics struct{}

func (n *noopMetrics) IncRecordsMigrated(_ int)                  {}
func (n *noopMetrics) IncRecordsSkipped(_ int)                   {}
func (n *noopMetrics) IncBatchesCommitted()                      {}
func (n *noopMetrics) ObserveBatchDuration(_ time.Duration)      {}
func (n *noopMetrics) ObserveCheckpointDuration(_ time.Duration) {}
func (n *noopMetrics) IncRollbacks(_ string)                     {}
func (n *noopMetrics) SetSourceRecords(_ int64)                  {}
func (n *noopMetrics) IncCacheHits(_ string)                     {}
func (n *noopMetrics) IncCacheMisses(_ string)                   {}
func (n *noopMetrics) Flush() error                              { return nil }
