// Package telemetry holds the Prometheus collectors shared by the prediction
// pipeline. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pickup_eta"

// Metrics holds Prometheus metrics for the engine
type Metrics struct {
	predictions     *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	superseded      prometheus.Counter
	breakerState    prometheus.Gauge
	liveEvents      *prometheus.CounterVec
	liveConnected   prometheus.Gauge
	accuracyError   *prometheus.HistogramVec
	exported        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions issued by operation and source",
		}, []string{"operation", "source"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback predictions by operation and reason",
		}, []string{"operation", "reason"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Prediction backend request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Prediction cache lookups by result",
		}, []string{"result"}),
		superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_superseded_total",
			Help:      "Backend results discarded because a newer request for the key started",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		liveEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Live channel events received by type",
		}, []string{"type"}),
		liveConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connected",
			Help:      "1 while the live update channel is connected",
		}),
		accuracyError: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accuracy_error_minutes",
			Help:      "Absolute prediction error in minutes",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"model"}),
		exported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accuracy_records_exported_total",
			Help:      "Accuracy records exported by sink and status",
		}, []string{"sink", "status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Prediction(operation, source string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(operation, source).Inc()
}

func (m *Metrics) Fallback(operation, reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) BackendRequest(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
}

func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Metrics) LiveEvent(eventType string) {
	if m == nil {
		return
	}
	m.liveEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) LiveConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.liveConnected.Set(1)
	} else {
		m.liveConnected.Set(0)
	}
}

func (m *Metrics) AccuracyError(model string, minutes float64) {
	if m == nil {
		return
	}
	m.accuracyError.WithLabelValues(model).Observe(minutes)
}

func (m *Metrics) Exported(sink, status string, n int) {
	if m == nil {
		return
	}
	m.exported.WithLabelValues(sink, status).Add(float64(n))
}

func (m *Metrics) HTTPRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}
