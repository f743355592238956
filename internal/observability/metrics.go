package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	GenerationCycles  *prometheus.CounterVec
	StreamChunks      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
	FirstChunkLatency prometheus.Histogram

	stages *StageWindow
}

// NewMetrics registers the instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live roleplay sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		GenerationCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_cycles_total",
			Help:      "Finished generation cycles by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StreamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Content chunks applied to in-flight buffers by generation kind.",
		}, []string{"kind"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Generation backend errors by operation.",
		}, []string{"operation"}),
		FirstChunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from request to first streamed chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("request_to_first_chunk", float64(d.Milliseconds()))
}

// ObserveStage records a latency sample in the rolling stage window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) IncCycle(kind, outcome string) {
	if m == nil {
		return
	}
	m.GenerationCycles.WithLabelValues(kind, outcome).Inc()
	m.stages.ObserveIndicator(kind + "_" + outcome)
}

func (m *Metrics) IncChunk(kind string) {
	if m == nil {
		return
	}
	m.StreamChunks.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncBackendError(operation string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// StageSnapshot reports the rolling latency window.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
