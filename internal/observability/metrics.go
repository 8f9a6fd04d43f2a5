package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service and the
// bridge host.
type Metrics struct {
	BridgeCalls         *prometheus.CounterVec
	BridgeLateReplies   prometheus.Counter
	BridgeCallLatency   *prometheus.HistogramVec
	HardwareSessions    *prometheus.CounterVec
	MessagesAdmitted    prometheus.Counter
	TurnViolations      prometheus.Counter
	ConversationsOpened prometheus.Counter
	ConversationRaces   prometheus.Counter
	CompressionResults  *prometheus.CounterVec
	RealtimeClients     prometheus.Gauge
	RealtimeFrames      *prometheus.CounterVec
	EchoesPurged        prometheus.Counter
	HTTPErrors          *prometheus.CounterVec

	stages *stageWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// Discard returns instruments bound to a private registry, for callers that
// were not handed a shared Metrics.
func Discard() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry(), "voicetalk")
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stages: newStageWindow(256),
		BridgeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_calls_total",
			Help:      "Bridge calls by event and outcome.",
		}, []string{"event", "outcome"}),
		BridgeLateReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_late_replies_total",
			Help:      "Replies discarded because their call was already settled.",
		}),
		BridgeCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_call_latency_ms",
			Help:      "Bridge round-trip latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"event"}),
		HardwareSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hardware_sessions_total",
			Help:      "Hardware session acquisitions and releases by kind.",
		}, []string{"kind", "action"}),
		MessagesAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_admitted_total",
			Help:      "Voice messages admitted into conversations.",
		}),
		TurnViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_violations_total",
			Help:      "Submissions rejected because the sender already holds the last turn.",
		}),
		ConversationsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_opened_total",
			Help:      "Conversations created from a first reply to an echo.",
		}),
		ConversationRaces: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_race_retries_total",
			Help:      "Lookup retries after losing a conversation creation race.",
		}),
		CompressionResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_results_total",
			Help:      "Audio compression attempts by result.",
		}, []string{"result"}),
		RealtimeClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_clients",
			Help:      "Connected realtime websocket clients.",
		}),
		RealtimeFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_frames_total",
			Help:      "Realtime frames by direction and status.",
		}, []string{"direction", "status"}),
		EchoesPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_purged_total",
			Help:      "Echoes hard-deleted after their retention window.",
		}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "API error responses by code.",
		}, []string{"code"}),
	}
}

// ObserveBridgeCall records the outcome and latency of a bridge round trip.
func (m *Metrics) ObserveBridgeCall(event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BridgeCalls.WithLabelValues(event, outcome).Inc()
	m.BridgeCallLatency.WithLabelValues(event).Observe(float64(d.Milliseconds()))
}

// ObserveStage records one submission stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

// ObserveOutcome counts a submission outcome in the rolling window.
func (m *Metrics) ObserveOutcome(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveOutcome(name)
}

// SnapshotStages returns rolling latency stats per submission stage.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
