// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the platform.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks invocation flow across the platform:
//   - per-type invocation counts and latencies
//   - LLM request performance and token consumption
//   - tool execution patterns
//   - cascade escalations and per-tier durations
//   - response cache effectiveness
//   - sandbox executions and rate-limit rejections
type Metrics struct {
	// InvocationCounter counts function invocations.
	// Labels: function_type (code|generative|agentic|cascade), status
	InvocationCounter *prometheus.CounterVec

	// InvocationDuration measures invocation latency in seconds.
	// Labels: function_type
	InvocationDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations inside agent loops.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CascadeEscalations counts tier escalations.
	// Labels: from_tier
	CascadeEscalations *prometheus.CounterVec

	// TierDuration measures per-tier attempt duration in seconds.
	// Labels: tier, status
	TierDuration *prometheus.HistogramVec

	// CacheRequests counts response cache lookups.
	// Labels: result (hit|miss)
	CacheRequests *prometheus.CounterVec

	// SandboxExecutions counts sandbox runs.
	// Labels: status (success|error|timeout)
	SandboxExecutions *prometheus.CounterVec

	// RateLimited counts rejected requests.
	RateLimited prometheus.Counter

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default registry. Call once
// at startup.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWith registers with an explicit registerer; used by tests.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		InvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_invocations_total",
				Help: "Total function invocations by type and status",
			},
			[]string{"function_type", "status"},
		),
		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascadefn_invocation_duration_seconds",
				Help:    "Invocation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"function_type"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascadefn_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascadefn_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),
		CascadeEscalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_cascade_escalations_total",
				Help: "Total cascade tier escalations by originating tier",
			},
			[]string{"from_tier"},
		),
		TierDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascadefn_tier_duration_seconds",
				Help:    "Per-tier attempt duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tier", "status"},
		),
		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_cache_requests_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		SandboxExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_sandbox_executions_total",
				Help: "Sandbox runs by status",
			},
			[]string{"status"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cascadefn_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascadefn_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascadefn_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordInvocation records one function invocation.
func (m *Metrics) RecordInvocation(functionType, status string, durationSeconds float64) {
	m.InvocationCounter.WithLabelValues(functionType, status).Inc()
	m.InvocationDuration.WithLabelValues(functionType).Observe(durationSeconds)
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordEscalation records one cascade escalation out of fromTier.
func (m *Metrics) RecordEscalation(fromTier string) {
	m.CascadeEscalations.WithLabelValues(fromTier).Inc()
}

// RecordTierAttempt records one tier attempt's duration.
func (m *Metrics) RecordTierAttempt(tier, status string, durationSeconds float64) {
	m.TierDuration.WithLabelValues(tier, status).Observe(durationSeconds)
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
