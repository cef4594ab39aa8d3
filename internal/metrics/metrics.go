// Package metrics exposes Prometheus instrumentation for the scan pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modmaster"

// Outcome labels for scan runs.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Status read sources.
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// ScanMetrics contains the scan pipeline collectors. A nil *ScanMetrics is
// valid and records nothing.
type ScanMetrics struct {
	scansCreated   prometheus.Counter
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	statusReads    *prometheus.CounterVec
	notifyErrors   prometheus.Counter
	uploadsLimited prometheus.Counter
}

// NewScanMetrics creates the collectors and registers them on registry.
func NewScanMetrics(registry prometheus.Registerer) (*ScanMetrics, error) {
	m := &ScanMetrics{
		scansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_created_total",
			Help:      "Total number of scans accepted for processing",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_runs_total",
			Help:      "Total number of processor runs by outcome",
		}, []string{"outcome"}), // outcome: completed, failed, skipped
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_run_duration_seconds",
			Help:      "Wall time of processor runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		statusReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reads_total",
			Help:      "Status polls by the source that answered them",
		}, []string{"source"}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Scan notifications that could not be delivered",
		}),
		uploadsLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_rate_limited_total",
			Help:      "Uploads rejected by the per-owner rate limit",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *ScanMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.scansCreated.Describe(ch)
	m.runsTotal.Describe(ch)
	m.runDuration.Describe(ch)
	m.statusReads.Describe(ch)
	m.notifyErrors.Describe(ch)
	m.uploadsLimited.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *ScanMetrics) Collect(ch chan<- prometheus.Metric) {
	m.scansCreated.Collect(ch)
	m.runsTotal.Collect(ch)
	m.runDuration.Collect(ch)
	m.statusReads.Collect(ch)
	m.notifyErrors.Collect(ch)
	m.uploadsLimited.Collect(ch)
}

func (m *ScanMetrics) ScanCreated() {
	if m == nil {
		return
	}
	m.scansCreated.Inc()
}

func (m *ScanMetrics) RunFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.runDuration.Observe(elapsed.Seconds())
	}
}

func (m *ScanMetrics) StatusRead(source string) {
	if m == nil {
		return
	}
	m.statusReads.WithLabelValues(source).Inc()
}

func (m *ScanMetrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyErrors.Inc()
}

func (m *ScanMetrics) UploadLimited() {
	if m == nil {
		return
	}
	m.uploadsLimited.Inc()
}
