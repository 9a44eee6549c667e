package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics instruments one worker's pipeline. A nil *WorkerMetrics is
// valid and records nothing.
type WorkerMetrics struct {
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	batches        prometheus.Counter
	skipAheads     prometheus.Counter
	mirrorSize     prometheus.Gauge
	checkpointKey  prometheus.Gauge
}

// NewWorkerMetrics returns nil when metrics are disabled.
func NewWorkerMetrics() *WorkerMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	return &WorkerMetrics{
		uploads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfsync_uploads_total",
				Help: "Upload outcomes by classification",
			},
			[]string{"outcome"},
		),
		uploadDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shelfsync_upload_duration_seconds",
				Help:    "Wall-clock duration of individual uploads",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		batches: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shelfsync_batches_total",
				Help: "Catalog batches processed",
			},
		),
		skipAheads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shelfsync_skip_aheads_total",
				Help: "Checkpoint skip-ahead jumps over migrated ranges",
			},
		),
		mirrorSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfsync_remote_mirror_fingerprints",
				Help: "Fingerprints held in the remote mirror snapshot",
			},
		),
		checkpointKey: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfsync_last_processed_shard_key",
				Help: "The worker's durable catalog checkpoint",
			},
		),
	}
}

// ObserveUpload records one upload outcome and its duration.
func (m *WorkerMetrics) ObserveUpload(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadDuration.Observe(d.Seconds())
}

// ObserveBatch records a completed batch and the new checkpoint.
func (m *WorkerMetrics) ObserveBatch(checkpoint int64) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.checkpointKey.Set(float64(checkpoint))
}

// ObserveSkipAhead records a checkpoint jump.
func (m *WorkerMetrics) ObserveSkipAhead(checkpoint int64) {
	if m == nil {
		return
	}
	m.skipAheads.Inc()
	m.checkpointKey.Set(float64(checkpoint))
}

// SetMirrorSize records the current remote mirror size.
func (m *WorkerMetrics) SetMirrorSize(n int) {
	if m == nil {
		return
	}
	m.mirrorSize.Set(float64(n))
}
