package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the decision engine. A nil or
// disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Audit metrics
	auditsStarted   *prometheus.CounterVec
	auditsCompleted *prometheus.CounterVec
	auditDuration   *prometheus.HistogramVec

	// Strategy metrics
	strategyDuration *prometheus.HistogramVec
	actionsProposed  *prometheus.CounterVec
	plansSuperseded  prometheus.Counter

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// Dispatcher metrics
	activeWorkers   prometheus.Gauge
	queuedRequests  prometheus.Gauge
	admissionWaited prometheus.Histogram

	// Control socket metrics
	controlCalls        *prometheus.CounterVec
	controlCallDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		auditsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audits_started_total",
				Help:      "Total number of audits that acquired a worker slot",
			},
			[]string{"goal"},
		),
		auditsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audits_completed_total",
				Help:      "Total number of audits finished, by outcome",
			},
			[]string{"outcome"},
		),
		auditDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audit_duration_seconds",
				Help:      "Duration of an audit from slot acquisition to persisted plan",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		strategyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "strategy_duration_seconds",
				Help:      "Duration of strategy execution in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "outcome"},
		),
		actionsProposed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_proposed_total",
				Help:      "Total number of actions persisted in action plans",
			},
			[]string{"action_type"},
		),
		plansSuperseded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_plans_superseded_total",
				Help:      "Total number of action plans superseded by a newer plan",
			},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of failed audits by error code",
			},
			[]string{"code"},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of strategy executions holding a worker slot",
			},
		),
		queuedRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_requests",
				Help:      "Current number of audit requests waiting for a worker slot",
			},
		),
		admissionWaited: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_wait_seconds",
				Help:      "Time an audit request waited for a worker slot",
				Buckets:   buckets,
			},
		),

		controlCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_calls_total",
				Help:      "Total number of control calls served, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		controlCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "control_call_duration_seconds",
				Help:      "Duration of a control call including admission wait",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
	}

	registry.MustRegister(
		m.auditsStarted,
		m.auditsCompleted,
		m.auditDuration,
		m.strategyDuration,
		m.actionsProposed,
		m.plansSuperseded,
		m.errorsByCode,
		m.activeWorkers,
		m.queuedRequests,
		m.admissionWaited,
		m.controlCalls,
		m.controlCallDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordAuditStarted counts an audit that acquired a slot.
func (m *Metrics) RecordAuditStarted(goal string) {
	if !m.enabled() {
		return
	}
	m.auditsStarted.WithLabelValues(goal).Inc()
	m.activeWorkers.Inc()
}

// RecordAuditCompleted records the outcome of an audit and frees its slot
// in the active gauge.
func (m *Metrics) RecordAuditCompleted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.auditsCompleted.WithLabelValues(outcome).Inc()
	m.auditDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeWorkers.Dec()
}

// RecordStrategy records one strategy execution.
func (m *Metrics) RecordStrategy(strategy, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.strategyDuration.WithLabelValues(strategy, outcome).Observe(duration.Seconds())
}

// RecordActions counts persisted actions by type.
func (m *Metrics) RecordActions(counts map[string]int) {
	if !m.enabled() {
		return
	}
	for actionType, n := range counts {
		m.actionsProposed.WithLabelValues(actionType).Add(float64(n))
	}
}

// RecordSuperseded counts plans replaced by a newer plan.
func (m *Metrics) RecordSuperseded(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.plansSuperseded.Add(float64(n))
}

// RecordError counts a failure by error code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// SetQueued sets the number of requests waiting for a slot.
func (m *Metrics) SetQueued(n int) {
	if !m.enabled() {
		return
	}
	m.queuedRequests.Set(float64(n))
}

// ObserveAdmission records how long a request waited for its slot.
func (m *Metrics) ObserveAdmission(wait time.Duration) {
	if !m.enabled() {
		return
	}
	m.admissionWaited.Observe(wait.Seconds())
}

// RecordControlCall records one control call served on the socket.
func (m *Metrics) RecordControlCall(method, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.controlCalls.WithLabelValues(method, outcome).Inc()
	m.controlCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
