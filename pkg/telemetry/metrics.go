package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for autoscribe.
type Metrics struct {
	config MetricsConfig

	// Tick metrics
	ticksTotal   *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec

	// Work item metrics
	itemsProcessed     *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec

	// Budget metrics
	budgetUsed        prometheus.Gauge
	budgetRemaining   prometheus.Gauge
	budgetUtilization prometheus.Gauge
	budgetRisk        prometheus.Gauge
	budgetEmergency   prometheus.Gauge

	// Resilience metrics
	breakerState      *prometheus.GaugeVec
	estimatorAvgError *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Queue metrics
	queueDepth prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of orchestrator ticks by final status",
			},
			[]string{"phase", "status"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of orchestrator ticks in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		itemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_processed_total",
				Help:      "Total number of work items processed by outcome",
			},
			[]string{"phase", "outcome"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of generation calls in seconds",
				Buckets:   buckets,
			},
			[]string{"work_type", "status"},
		),
		tokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_used_total",
				Help:      "Total number of tokens consumed by direction",
			},
			[]string{"direction"},
		),

		budgetUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_used_tokens",
				Help:      "Tokens used in the current budget period",
			},
		),
		budgetRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_remaining_tokens",
				Help:      "Tokens remaining in the current budget period",
			},
		),
		budgetUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_utilization_percent",
				Help:      "Budget utilization in percent",
			},
		),
		budgetRisk: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_risk_score",
				Help:      "Budget risk score (0-100)",
			},
		),
		budgetEmergency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_emergency",
				Help:      "Whether budget emergency mode is active (1=active)",
			},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per partition (0=closed, 1=half-open, 2=open)",
			},
			[]string{"partition"},
		),
		estimatorAvgError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "estimator_avg_error_ratio",
				Help:      "Average relative estimation error per work type and partition",
			},
			[]string{"work_type", "partition"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_remaining_items",
				Help:      "Work items remaining in the current day's queue",
			},
		),
	}

	registry.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.itemsProcessed,
		m.generationDuration,
		m.tokensUsed,
		m.budgetUsed,
		m.budgetRemaining,
		m.budgetUtilization,
		m.budgetRisk,
		m.budgetEmergency,
		m.breakerState,
		m.estimatorAvgError,
		m.errorsByClass,
		m.queueDepth,
	)

	return m, nil
}

// Registry returns the Prometheus registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Tick Metrics

// RecordTick records a finished tick of the given phase with its status and duration.
func (m *Metrics) RecordTick(phase, status string, duration time.Duration) {
	if m == nil || m.ticksTotal == nil {
		return
	}
	m.ticksTotal.WithLabelValues(phase, status).Inc()
	m.tickDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// Work Item Metrics

// RecordItem records the outcome of a processed work item.
func (m *Metrics) RecordItem(phase, outcome string) {
	if m == nil || m.itemsProcessed == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(phase, outcome).Inc()
}

// RecordGeneration records a generation call and its duration.
func (m *Metrics) RecordGeneration(workType, status string, duration time.Duration) {
	if m == nil || m.generationDuration == nil {
		return
	}
	m.generationDuration.WithLabelValues(workType, status).Observe(duration.Seconds())
}

// RecordTokens records consumed input and output tokens.
func (m *Metrics) RecordTokens(input, output int64) {
	if m == nil || m.tokensUsed == nil {
		return
	}
	m.tokensUsed.WithLabelValues("input").Add(float64(input))
	m.tokensUsed.WithLabelValues("output").Add(float64(output))
}

// Budget Metrics

// SetBudget updates the budget gauges.
func (m *Metrics) SetBudget(used, remaining int64, utilization, risk float64, emergency bool) {
	if m == nil || m.budgetUsed == nil {
		return
	}
	m.budgetUsed.Set(float64(used))
	m.budgetRemaining.Set(float64(remaining))
	m.budgetUtilization.Set(utilization)
	m.budgetRisk.Set(risk)
	value := 0.0
	if emergency {
		value = 1.0
	}
	m.budgetEmergency.Set(value)
}

// Resilience Metrics

// SetBreakerState sets the numeric breaker state for a partition.
func (m *Metrics) SetBreakerState(partition string, state float64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(partition).Set(state)
}

// SetEstimatorError sets the average estimation error for a work type and partition.
func (m *Metrics) SetEstimatorError(workType, partition string, avg float64) {
	if m == nil || m.estimatorAvgError == nil {
		return
	}
	m.estimatorAvgError.WithLabelValues(workType, partition).Set(avg)
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Queue Metrics

// SetQueueDepth sets the number of items remaining in the queue.
func (m *Metrics) SetQueueDepth(count int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(count))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// Serve errors are reported through errLog.
func (m *Metrics) StartMetricsServer(errLog *Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errLog.WithError(err).Error("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
