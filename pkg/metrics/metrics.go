// Package metrics exposes Prometheus instrumentation for the ordering service.
// All Record methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsEnded  *prometheus.CounterVec
	TurnsTotal     *prometheus.CounterVec

	// Pipeline metrics
	StageDuration  *prometheus.HistogramVec
	ProviderErrors *prometheus.CounterVec
	QuotaRejected  *prometheus.CounterVec
	TTSCache       *prometheus.CounterVec

	// Realtime metrics
	RealtimeConnections prometheus.Gauge
	AudioBytesTotal     *prometheus.CounterVec
	FramesDropped       prometheus.Counter

	// Checkout metrics
	Finalizations *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_order"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"endpoint"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that left the active state",
		}, []string{"reason"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns recorded",
		}, []string{"kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Voice pipeline stage duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage", "result"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed calls to external providers",
		}, []string{"provider", "kind"}),
		QuotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Provider calls rejected by the local quota",
		}, []string{"provider"}),
		TTSCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_cache_total",
			Help:      "Speech synthesis cache lookups",
		}, []string{"result"}),
		RealtimeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open realtime connections",
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes processed",
		}, []string{"direction"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_frames_dropped_total",
			Help:      "Audio frames dropped because the connection was not listening",
		}),
		Finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Order finalize attempts",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsEnded,
		m.TurnsTotal,
		m.StageDuration,
		m.ProviderErrors,
		m.QuotaRejected,
		m.TTSCache,
		m.RealtimeConnections,
		m.AudioBytesTotal,
		m.FramesDropped,
		m.Finalizations,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTurn(branched bool) {
	if m == nil {
		return
	}
	kind := "linear"
	if branched {
		kind = "branch"
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
}

// RecordStage records a pipeline stage duration.
func (m *Metrics) RecordStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) RecordProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) RecordQuotaRejected(provider string) {
	if m == nil {
		return
	}
	m.QuotaRejected.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordTTSCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TTSCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRealtimeConnect() {
	if m == nil {
		return
	}
	m.RealtimeConnections.Inc()
}

func (m *Metrics) RecordRealtimeDisconnect() {
	if m == nil {
		return
	}
	m.RealtimeConnections.Dec()
}

// RecordAudio records audio bytes ("in" or "out").
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) RecordFinalize(result string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(result).Inc()
}
