package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector holds the runtime's Prometheus vectors.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	agentRunsTotal        *prometheus.CounterVec
	agentRunDuration      *prometheus.HistogramVec
	agentIterations       *prometheus.HistogramVec
	agentStateTransitions *prometheus.CounterVec

	workflowRunsTotal     *prometheus.CounterVec
	workflowRunDuration   *prometheus.HistogramVec
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec

	triggerFiresTotal *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all metrics under namespace. A nil reg uses the
// Prometheus default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LLM
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)
	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)
	c.llmCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"model"},
	)

	// Tools
	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)
	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Agent
	c.agentRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of agent runs",
		},
		[]string{"agent_id", "status"},
	)
	c.agentRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)
	c.agentIterations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_iterations",
			Help:      "Loop iterations per agent run",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"agent_id"},
	)
	c.agentStateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of derived agent state transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)

	// Workflow
	c.workflowRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"workflow", "status"},
	)
	c.workflowRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow"},
	)
	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_node_executions_total",
			Help:      "Total number of workflow node executions",
		},
		[]string{"workflow", "status"},
	)
	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_node_duration_seconds",
			Help:      "Workflow node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// Circuit breakers
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"breaker"},
	)

	// Triggers
	c.triggerFiresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_fires_total",
			Help:      "Total number of trigger firings",
		},
		[]string{"trigger", "kind", "status"},
	)

	// Run store
	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_store_operation_duration_seconds",
			Help:      "Run store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest records one model call.
func (c *Collector) RecordLLMRequest(model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(model, status).Inc()
	c.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(model).Add(cost)
}

// =============================================================================
// 🔧 工具指标记录
// =============================================================================

// RecordToolCall records one tool invocation.
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentRun records a finished or suspended agent run.
func (c *Collector) RecordAgentRun(agentID, status string, duration time.Duration, iterations int) {
	if c == nil {
		return
	}
	c.agentRunsTotal.WithLabelValues(agentID, status).Inc()
	c.agentRunDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	c.agentIterations.WithLabelValues(agentID).Observe(float64(iterations))
}

// RecordAgentStateTransition records a change of derived state.
func (c *Collector) RecordAgentStateTransition(agentID, fromState, toState string) {
	if c == nil {
		return
	}
	c.agentStateTransitions.WithLabelValues(agentID, fromState, toState).Inc()
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// RecordWorkflowRun records one workflow run outcome.
func (c *Collector) RecordWorkflowRun(workflow, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowRunsTotal.WithLabelValues(workflow, status).Inc()
	c.workflowRunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordNodeExecution records one node outcome.
func (c *Collector) RecordNodeExecution(workflow, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(workflow, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// SetBreakerState publishes a breaker position.
func (c *Collector) SetBreakerState(breaker string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(breaker).Set(float64(state))
}

// =============================================================================
// ⏰ 触发器指标记录
// =============================================================================

// RecordTriggerFire records one trigger firing.
func (c *Collector) RecordTriggerFire(trigger, kind, status string) {
	if c == nil {
		return
	}
	c.triggerFiresTotal.WithLabelValues(trigger, kind, status).Inc()
}

// =============================================================================
// 💾 运行存储指标记录
// =============================================================================

// RecordStoreOp records one run store operation.
func (c *Collector) RecordStoreOp(backend, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.storeOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// statusCode buckets an HTTP status code.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
