package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process metric set, registered once at startup and
// exposed at /metrics.
type Metrics struct {
	// MessageCounter tracks envelopes by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency per channel.
	TurnDuration *prometheus.HistogramVec

	// LLMRequestCounter counts router calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolCounter counts dispatches. Labels: tool, status (ok|denied|error)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures invoker runtime in seconds per tool.
	ToolDuration *prometheus.HistogramVec

	// SynthesisCounter counts skill synthesis outcomes.
	// Labels: status (success|failure|rejected)
	SynthesisCounter *prometheus.CounterVec

	// VaultCounter counts vault client operations.
	// Labels: op, status (ok|error)
	VaultCounter *prometheus.CounterVec

	// ActiveStreams gauges currently open streaming turns per channel.
	ActiveStreams *prometheus.GaugeVec

	// WebSocketConnections gauges live websocket clients.
	WebSocketConnections prometheus.Gauge
}

// NewMetrics registers the metric set with reg, or the default registry
// when reg is nil. Call once per process; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_messages_total",
			Help: "Envelopes processed by channel and direction",
		}, []string{"channel", "direction"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jedisos_turn_duration_seconds",
			Help:    "Whole-turn latency from envelope to final text",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"channel"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_llm_requests_total",
			Help: "LLM requests by provider, model and status",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jedisos_llm_request_duration_seconds",
			Help:    "LLM request latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_llm_tokens_total",
			Help: "Token consumption by provider, model and type",
		}, []string{"provider", "model", "type"}),

		ToolCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_tool_dispatch_total",
			Help: "Tool dispatches by name and status",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jedisos_tool_duration_seconds",
			Help:    "Tool invoker runtime",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		SynthesisCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_skill_synthesis_total",
			Help: "Skill synthesis pipeline outcomes",
		}, []string{"status"}),

		VaultCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jedisos_vault_ops_total",
			Help: "Vault client operations by op and status",
		}, []string{"op", "status"}),

		ActiveStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jedisos_active_streams",
			Help: "Streaming turns currently open",
		}, []string{"channel"}),

		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jedisos_websocket_connections",
			Help: "Live websocket clients",
		}),
	}
}
