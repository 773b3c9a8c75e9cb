package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Residency metrics, per environment.
	SandboxesWarm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_sandboxes_warm",
			Help: "Current number of warm sandboxes by environment",
		},
		[]string{"environment"},
	)

	SandboxesDedup = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_sandboxes_dedup",
			Help: "Current number of dedup sandboxes by environment",
		},
		[]string{"environment"},
	)

	SandboxesBase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_sandboxes_base",
			Help: "Current number of base sandboxes by environment",
		},
		[]string{"environment"},
	)

	ArrivalRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_arrival_rate_per_second",
			Help: "Moving-window arrival rate by environment, in requests/second",
		},
		[]string{"environment"},
	)

	WarmStartEMA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_warm_start_ema_ms",
			Help: "Exponential moving average of warm start latency, in ms",
		},
		[]string{"environment"},
	)

	DedupStartEMA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_dedup_start_ema_ms",
			Help: "Exponential moving average of dedup restore latency, in ms",
		},
		[]string{"environment"},
	)

	// Machine metrics.
	MachineUsedMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_machine_used_memory_mb",
			Help: "Used memory per machine, in MB",
		},
		[]string{"machine_id"},
	)

	// Scheduler metrics.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedupd_scheduling_latency_seconds",
			Help:    "End-to-end request scheduling latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Mirrors of the controller's atomic issued/completed/dropped counters.
	// Gauges rather than Counters: the collector sets them to the
	// controller's current totals on each tick rather than incrementing
	// them itself.
	RequestsScheduled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_requests_scheduled_total",
			Help: "Total number of requests issued to the scheduler",
		},
	)

	RequestsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_requests_dropped_total",
			Help: "Total number of requests dropped after exhausting retries",
		},
	)

	RequestsCompleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_requests_completed_total",
			Help: "Total number of requests whose scheduling attempt finished, served or dropped",
		},
	)

	// Decision policy metrics. Gauges mirroring the controller's own
	// running totals, same reasoning as the request counters above.
	DecisionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_decisions_total",
			Help: "Total decisions made by the decision policy, by decision and environment",
		},
		[]string{"decision", "environment"},
	)

	EvictionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_evictions_total",
			Help: "Total number of sandboxes evicted to free memory",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesWarm,
		SandboxesDedup,
		SandboxesBase,
		ArrivalRate,
		WarmStartEMA,
		DedupStartEMA,
		MachineUsedMemoryMB,
		SchedulingLatency,
		RequestsScheduled,
		RequestsDropped,
		RequestsCompleted,
		DecisionsTotal,
		EvictionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
