// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's Prometheus metric set.
//
// The metrics cover:
//   - LLM request performance, outcome and token consumption
//   - Tool execution patterns and latencies
//   - Session pool occupancy and eviction
//   - HTTP surface latency
type Metrics struct {
	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: endpoint (base URL), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: endpoint, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: endpoint, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|cancelled|not_found|validation_error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions gauges the current memory-pool occupancy.
	ActiveSessions prometheus.Gauge

	// EvictedSessions counts pool evictions.
	// Labels: reason (ttl|lru)
	EvictedSessions *prometheus.CounterVec

	// AgentIterations counts ReAct loop iterations.
	// Labels: outcome (tool_call|respond|finished|max_iterations)
	AgentIterations *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the metric set. A nil registerer uses the
// Prometheus default registry; tests pass their own to avoid duplicate
// registration across cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphora_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphora_llm_requests_total",
				Help: "Total number of LLM requests by endpoint, model, and status",
			},
			[]string{"endpoint", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphora_llm_tokens_total",
				Help: "Total number of tokens used by endpoint, model, and type",
			},
			[]string{"endpoint", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphora_tool_executions_total",
				Help: "Total number of tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphora_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alphora_active_sessions",
				Help: "Current number of sessions held in the memory pool",
			},
		),
		EvictedSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphora_evicted_sessions_total",
				Help: "Total number of sessions evicted from the memory pool",
			},
			[]string{"reason"},
		),
		AgentIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphora_agent_iterations_total",
				Help: "Total number of agent loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphora_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
