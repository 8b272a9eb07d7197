package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// runStates lists every run state exported by the run state gauge
var runStates = []string{"idle", "running", "paused", "completed"}

// Metrics holds all Prometheus metrics for mailrun
type Metrics struct {
	// Delivery counters
	RecipientsSentTotal   prometheus.Counter
	RecipientsFailedTotal *prometheus.CounterVec
	ProviderBlocksTotal   prometheus.Counter

	// Batch metrics
	BatchesTotal         *prometheus.CounterVec
	BatchDurationSeconds prometheus.Histogram

	// Campaign gauges
	QueuePending prometheus.Gauge
	RunState     *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RecipientsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_recipients_sent_total",
				Help: "Total number of successfully sent campaign emails",
			},
		),
		RecipientsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_recipients_failed_total",
				Help: "Total number of failed campaign emails",
			},
			[]string{"error_class"},
		),
		ProviderBlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_provider_blocks_total",
				Help: "Total number of provider blocks that paused a campaign",
			},
		),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_batches_total",
				Help: "Total number of batch invocations by outcome",
			},
			[]string{"outcome"},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailrun_batch_duration_seconds",
				Help:    "Batch processing duration in seconds",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_queue_pending",
				Help: "Number of recipients still pending in the active campaign",
			},
		),
		RunState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailrun_queue_run_state",
				Help: "Run state of the active campaign (1 for the current state)",
			},
			[]string{"state"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailrun_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				// POST /queue/process runs a whole batch
				Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"method", "route"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RecipientsSentTotal,
		m.RecipientsFailedTotal,
		m.ProviderBlocksTotal,
		m.BatchesTotal,
		m.BatchDurationSeconds,
		m.QueuePending,
		m.RunState,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncRecipientsSent increments the sent counter
func IncRecipientsSent() {
	if m := Global(); m != nil {
		m.RecipientsSentTotal.Inc()
	}
}

// IncRecipientsFailed increments the failed counter for an error class
func IncRecipientsFailed(errorClass string) {
	if m := Global(); m != nil {
		m.RecipientsFailedTotal.WithLabelValues(errorClass).Inc()
	}
}

// IncProviderBlocks increments the provider block counter
func IncProviderBlocks() {
	if m := Global(); m != nil {
		m.ProviderBlocksTotal.Inc()
	}
}

// ObserveBatch records a finished batch invocation
func ObserveBatch(outcome string, d time.Duration) {
	if m := Global(); m != nil {
		m.BatchesTotal.WithLabelValues(outcome).Inc()
		m.BatchDurationSeconds.Observe(d.Seconds())
	}
}

// SetCampaignState updates the campaign gauges
func SetCampaignState(state string, pending int) {
	m := Global()
	if m == nil {
		return
	}

	m.QueuePending.Set(float64(pending))
	for _, s := range runStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.RunState.WithLabelValues(s).Set(v)
	}
}
