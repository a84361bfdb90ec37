package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent turn throughput and latency, split by trigger source
//   - LLM request performance per provider and model
//   - Tool execution patterns and latencies
//   - Forum discussion progress (rounds, posts, conclusions)
//   - Cron trigger firings
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TurnCounter.WithLabelValues("user", "ok").Inc()
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter counts completed agent turns.
	// Labels: trigger_source (user|system), status (ok|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn wall time in seconds, including
	// every model call and tool dispatch of the loop.
	// Labels: trigger_source
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures one model call's latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|disabled)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveStreams is a gauge of in-flight streaming turns.
	ActiveStreams prometheus.Gauge

	// DiscussionRounds counts executed forum discussion rounds.
	// Labels: mode (parallel|scheduled)
	DiscussionRounds *prometheus.CounterVec

	// DiscussionPosts counts posts published to forum boards.
	// Labels: kind (expert|manual|fallback)
	DiscussionPosts *prometheus.CounterVec

	// DiscussionsConcluded counts topics reaching a terminal state.
	// Labels: status (concluded|error), reason (consensus|exhausted|failed)
	DiscussionsConcluded *prometheus.CounterVec

	// TriggerFirings counts cron trigger firings.
	// Labels: status (ok|error)
	TriggerFirings *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (graph|session|tool|forum|trigger|http), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_turns_total",
				Help: "Total number of completed agent turns by trigger source and status",
			},
			[]string{"trigger_source", "status"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oasis_turn_duration_seconds",
				Help:    "Duration of full agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"trigger_source"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oasis_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oasis_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "oasis_active_streams",
				Help: "Number of in-flight streaming agent turns",
			},
		),

		DiscussionRounds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_discussion_rounds_total",
				Help: "Total number of executed forum discussion rounds by mode",
			},
			[]string{"mode"},
		),

		DiscussionPosts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_discussion_posts_total",
				Help: "Total number of posts published to forum boards by kind",
			},
			[]string{"kind"},
		),

		DiscussionsConcluded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_discussions_concluded_total",
				Help: "Total number of forum topics reaching a terminal state",
			},
			[]string{"status", "reason"},
		),

		TriggerFirings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_trigger_firings_total",
				Help: "Total number of cron trigger firings by status",
			},
			[]string{"status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oasis_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oasis_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
