package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for process runs, adapters and the key store.
type Metrics struct {
	config MetricsConfig

	// Process metrics
	processesStarted   *prometheus.CounterVec
	processesCompleted *prometheus.CounterVec
	processDuration    *prometheus.HistogramVec
	activeProcesses    prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec
	httpRetries     *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Key store
	cryptoKeyActive *prometheus.GaugeVec
	cryptoKeyEvents *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods are no-ops.
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

		processesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_started_total",
				Help:      "Total number of processes started",
			},
			[]string{"process"},
		),
		processesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_completed_total",
				Help:      "Total number of processes that reached a terminal state",
			},
			[]string{"process", "state"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Duration of process runs in seconds",
				Buckets:   buckets,
			},
			[]string{"process", "state"},
		),
		activeProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_processes",
				Help:      "Current number of running processes",
			},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of action steps executed",
			},
			[]string{"process", "operation", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of action steps in seconds",
				Buckets:   buckets,
			},
			[]string{"owner", "operation"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Fallback chains triggered by a failing step",
			},
			[]string{"process", "operation", "outcome"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of remote adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of remote adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of remote adapter errors",
			},
			[]string{"adapter", "operation"},
		),
		httpRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_retries_total",
				Help:      "Backend HTTP requests retried after a failed attempt",
			},
			[]string{"method"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of process errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of process errors by code",
			},
			[]string{"code"},
		),

		cryptoKeyActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "crypto_key_active",
				Help:      "Whether a store instance currently holds a crypto key (1) or not (0)",
			},
			[]string{"namespace"},
		),
		cryptoKeyEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_key_events_total",
				Help:      "Crypto key lifecycle events (set, unset, expired, rotated)",
			},
			[]string{"event"},
		),
	}

	registry.MustRegister(
		m.processesStarted,
		m.processesCompleted,
		m.processDuration,
		m.activeProcesses,
		m.stepsExecuted,
		m.stepDuration,
		m.fallbacks,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.httpRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.cryptoKeyActive,
		m.cryptoKeyEvents,
	)

	return m, nil
}

// RecordProcessStarted increments the counter for started processes.
func (m *Metrics) RecordProcessStarted(process string) {
	if m == nil || m.processesStarted == nil {
		return
	}
	m.processesStarted.WithLabelValues(process).Inc()
	m.activeProcesses.Inc()
}

// RecordProcessCompleted records a terminal process with its state and duration.
func (m *Metrics) RecordProcessCompleted(process, state string, duration time.Duration) {
	if m == nil || m.processesCompleted == nil {
		return
	}
	m.processesCompleted.WithLabelValues(process, state).Inc()
	m.processDuration.WithLabelValues(process, state).Observe(duration.Seconds())
	m.activeProcesses.Dec()
}

// RecordStep records the outcome of a single action step.
func (m *Metrics) RecordStep(process, owner, operation, status string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(process, operation, status).Inc()
	m.stepDuration.WithLabelValues(owner, operation).Observe(duration.Seconds())
}

// RecordFallback records a fallback chain outcome (recovered, exhausted).
func (m *Metrics) RecordFallback(process, operation, outcome string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.WithLabelValues(process, operation, outcome).Inc()
}

// RecordAdapterCall records a remote adapter call with its duration.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration) {
	if m == nil || m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a remote adapter error.
func (m *Metrics) RecordAdapterError(adapter, operation string) {
	if m == nil || m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(adapter, operation).Inc()
}

// RecordHTTPRetry records a retried backend request.
func (m *Metrics) RecordHTTPRetry(method string) {
	if m == nil || m.httpRetries == nil {
		return
	}
	m.httpRetries.WithLabelValues(method).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetCryptoKeyActive flags whether the store for namespace holds a key.
func (m *Metrics) SetCryptoKeyActive(namespace string, active bool) {
	if m == nil || m.cryptoKeyActive == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.cryptoKeyActive.WithLabelValues(namespace).Set(value)
}

// RecordCryptoKeyEvent counts a key lifecycle event.
func (m *Metrics) RecordCryptoKeyEvent(event string) {
	if m == nil || m.cryptoKeyEvents == nil {
		return
	}
	m.cryptoKeyEvents.WithLabelValues(event).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is cancelled. It is a no-op
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
