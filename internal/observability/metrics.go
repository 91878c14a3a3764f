package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the chat pipeline.
type Metrics struct {
	// TurnCounter counts chat turns by provider, model, and status
	// (completed|aborted|failed).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: provider, model
	TurnDuration *prometheus.HistogramVec

	// TurnSteps measures how many loop steps a turn took.
	TurnSteps prometheus.Histogram

	// LLMRequestDuration measures a single model invocation in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, kind (local|mcp), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool, kind
	ToolExecutionDuration *prometheus.HistogramVec

	// ProviderErrorCounter counts classified provider failures.
	// Labels: provider, reason
	ProviderErrorCounter *prometheus.CounterVec

	// QuotaRejections counts turns rejected at the quota gate.
	// Labels: tier
	QuotaRejections *prometheus.CounterVec

	// PersistenceFailures counts store write failures by stage
	// (user_message|assistant_message|usage).
	PersistenceFailures *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// BridgeConnections is a gauge of connected remote agents.
	BridgeConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use their own
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_chat_turns_total",
				Help: "Total chat turns by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagespace_chat_turn_duration_seconds",
				Help:    "Duration of full chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "model"},
		),

		TurnSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagespace_chat_turn_steps",
				Help:    "Number of model invocations per turn",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagespace_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_tool_executions_total",
				Help: "Total tool invocations by tool, kind, and status",
			},
			[]string{"tool", "kind", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagespace_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool", "kind"},
		),

		ProviderErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_provider_errors_total",
				Help: "Classified provider failures by provider and reason",
			},
			[]string{"provider", "reason"},
		),

		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_quota_rejections_total",
				Help: "Chat turns rejected at the quota gate by tier",
			},
			[]string{"tier"},
		),

		PersistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespace_persistence_failures_total",
				Help: "Store write failures by stage",
			},
			[]string{"stage"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagespace_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		BridgeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagespace_bridge_connections",
				Help: "Currently connected remote agents",
			},
		),
	}
}
