package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentloop/circuitbreaker"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/internal/telemetry"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/persistence"
	"github.com/BaSui01/agentloop/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// =============================================================================
// ⚙️ 执行配置
// =============================================================================

// Config bounds one run.
type Config struct {
	MaxIterations  int           `yaml:"max_iterations" json:"max_iterations"`
	LLMTimeout     time.Duration `yaml:"llm_timeout" json:"llm_timeout"`
	ToolTimeout    time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	ErrorThreshold int           `yaml:"error_threshold" json:"error_threshold"`
	Temperature    float32       `yaml:"temperature" json:"temperature"`
	MaxTokens      int           `yaml:"max_tokens" json:"max_tokens"`
}

// DefaultConfig returns 10 iterations and an error threshold of 3.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  10,
		LLMTimeout:     2 * time.Minute,
		ToolTimeout:    30 * time.Second,
		ErrorThreshold: DefaultErrorThreshold,
		Temperature:    0.2,
		MaxTokens:      4096,
	}
}

// ConfigFrom converts the agent section of the loaded configuration.
func ConfigFrom(c config.AgentConfig) Config {
	return Config{
		MaxIterations:  c.MaxIterations,
		LLMTimeout:     c.LLMTimeout,
		ToolTimeout:    c.ToolTimeout,
		ErrorThreshold: c.ErrorThreshold,
		Temperature:    float32(c.Temperature),
		MaxTokens:      c.MaxTokens,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	return c
}

// ToolInvoker is the part of the tool registry the executor needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
	Has(name string) bool
	List() []types.ToolSchema
}

// Stats aggregates what a run consumed.
type Stats struct {
	LLMCalls   int              `json:"llm_calls"`
	ToolCalls  int              `json:"tool_calls"`
	ToolErrors int              `json:"tool_errors"`
	Errors     int              `json:"errors"`
	Usage      types.TokenUsage `json:"usage"`
	Duration   time.Duration    `json:"duration"`
}

// Result is what a run returns. It is never nil, and Log always holds the
// complete event history.
type Result struct {
	RunID      string             `json:"run_id"`
	AgentID    string             `json:"agent_id"`
	TaskID     string             `json:"task_id"`
	Success    bool               `json:"success"`
	Result     any                `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	State      eventlog.State     `json:"state"`
	Log        *eventlog.EventLog `json:"log"`
	Stats      Stats              `json:"stats"`
	Iterations int                `json:"iterations"`
	// TimedOut is set when the iteration budget ran out.
	TimedOut bool `json:"timed_out,omitempty"`

	agent *Agent
	task  *Task
}

// Suspended reports whether the run is waiting for a human answer.
func (r *Result) Suspended() bool {
	return r.State == eventlog.StateWaitingForHuman
}

// =============================================================================
// 🤖 执行器
// =============================================================================

// Option configures an Executor.
type Option func(*Executor)

// WithRenderer replaces the default prompt renderer.
func WithRenderer(r PromptRenderer) Option {
	return func(e *Executor) { e.renderer = r }
}

// WithBreakers routes LLM and tool calls through breakers from reg.
func WithBreakers(reg *circuitbreaker.Registry) Option {
	return func(e *Executor) { e.breakers = reg }
}

// WithStore archives every finished or suspended run.
func WithStore(s persistence.RunStore) Option {
	return func(e *Executor) { e.store = s }
}

// WithMetrics records run and state transition metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithTokenCounter estimates usage when the LLM does not report it.
func WithTokenCounter(c types.TokenCounter) Option {
	return func(e *Executor) { e.counter = c }
}

// WithTelemetry sets the tracer and run instruments. Without it the
// providers installed by telemetry.Init are used.
func WithTelemetry(p *telemetry.Providers) Option {
	return func(e *Executor) { e.telemetry = p }
}

// Executor runs the ReAct loop. It is safe for concurrent use; each run
// owns its own event log.
type Executor struct {
	client    llm.Client
	tools     ToolInvoker
	config    Config
	renderer  PromptRenderer
	breakers  *circuitbreaker.Registry
	store     persistence.RunStore
	metrics   *metrics.Collector
	counter   types.TokenCounter
	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// NewExecutor creates an executor. tools may be nil for agents without
// tools.
func NewExecutor(client llm.Client, tools ToolInvoker, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		client:   client,
		tools:    tools,
		config:   cfg.normalized(),
		renderer: NewDefaultRenderer(),
		counter:  types.NewEstimateTokenizer(),
		logger:   logger.With(zap.String("component", "agent_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes task until it finishes, fails, needs a human, or runs out
// of iterations. It never returns nil and never panics on tool or LLM
// failures.
func (e *Executor) Run(ctx context.Context, agent *Agent, task *Task) *Result {
	runID := uuid.NewString()
	if agent == nil || task == nil {
		log := eventlog.New("", "")
		log.Append(eventlog.NewErrorEvent(string(KindValidationError), "agent and task are required", false))
		return &Result{RunID: runID, State: log.CurrentState(), Log: log, Error: "agent and task are required"}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	r := e.newRun(runID, agent, task, eventlog.New(agent.ID, task.ID), Stats{})
	r.append(eventlog.NewTaskStartEvent(task.Description))
	return r.execute(ctx)
}

// Resume continues a run suspended on a human request. The answer is
// appended as a human response and the loop gets a fresh iteration budget.
func (e *Executor) Resume(ctx context.Context, prev *Result, answer string) (*Result, error) {
	if prev == nil || prev.Log == nil || prev.agent == nil || prev.task == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "result cannot be resumed")
	}
	if !prev.Suspended() {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("run %s is %s, not waiting for human input", prev.RunID, prev.State))
	}

	log := eventlog.Restore(prev.Log.AgentID(), prev.Log.TaskID(), prev.Log.Events())
	r := e.newRun(prev.RunID, prev.agent, prev.task, log, prev.Stats)
	r.iterations = prev.Iterations
	r.append(eventlog.NewHumanResponseEvent(answer))
	return r.execute(ctx), nil
}

// =============================================================================
// 🔁 ReAct 循环
// =============================================================================

// run is the state of one loop invocation.
type run struct {
	e          *Executor
	id         string
	agent      *Agent
	task       *Task
	log        *eventlog.EventLog
	handler    *ErrorHandler
	stats      Stats
	iterations int
	timedOut   bool
	lastValue  any
	hasValue   bool
	logger     *zap.Logger
}

func (e *Executor) newRun(id string, agent *Agent, task *Task, log *eventlog.EventLog, stats Stats) *run {
	return &run{
		e:       e,
		id:      id,
		agent:   agent,
		task:    task,
		log:     log,
		handler: NewErrorHandler(e.config.ErrorThreshold),
		stats:   stats,
		logger: e.logger.With(
			zap.String("run_id", id),
			zap.String("agent_id", agent.ID),
			zap.String("task_id", task.ID),
		),
	}
}

func (r *run) maxIterations() int {
	if r.agent.MaxIterations > 0 {
		return r.agent.MaxIterations
	}
	return r.e.config.MaxIterations
}

func (r *run) execute(ctx context.Context) *Result {
	start := time.Now()
	ctx = types.WithRunID(ctx, r.id)
	ctx = types.WithAgentID(ctx, r.agent.ID)
	ctx = types.WithTaskID(ctx, r.task.ID)
	ctx, span := r.e.telemetry.StartSpan(ctx, "agent.run",
		attribute.String("agent.id", r.agent.ID),
		attribute.String("task.id", r.task.ID),
		attribute.String("run.id", r.id),
	)

	r.logger.Info("agent run started", zap.Int("max_iterations", r.maxIterations()))

	budget := r.maxIterations()
	for i := 0; i < budget && r.log.CanContinue(); i++ {
		if err := ctx.Err(); err != nil {
			r.append(eventlog.NewErrorEvent(string(KindTimeoutError), "run cancelled: "+err.Error(), false))
			break
		}
		r.iterations++
		r.step(ctx)
	}

	if r.log.CanContinue() {
		r.timedOut = true
		r.append(eventlog.NewTaskEndEvent(true, r.bestEffort(), "max_iterations"))
		r.logger.Warn("iteration budget exhausted", zap.Int("iterations", r.iterations))
	}

	r.stats.Duration += time.Since(start)
	res := r.result()

	var spanErr error
	if res.State == eventlog.StateFailed {
		spanErr = errors.New(res.Error)
	}
	span.SetAttributes(
		attribute.String("agent.state", string(res.State)),
		attribute.Int("agent.iterations", res.Iterations),
	)
	telemetry.EndSpan(span, spanErr)
	r.e.telemetry.RecordRun(ctx, telemetry.RunKindAgent, r.agent.ID, string(res.State), time.Since(start))
	r.e.metrics.RecordAgentRun(r.agent.ID, string(res.State), time.Since(start), r.iterations)
	r.archive(ctx, res)

	r.logger.Info("agent run finished",
		zap.String("state", string(res.State)),
		zap.Bool("success", res.Success),
		zap.Int("iterations", res.Iterations),
		zap.Int("events", r.log.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

// step performs one render, LLM call, parse and action.
func (r *run) step(ctx context.Context) {
	// 只向模型暴露该 Agent 允许调用的工具
	var schemas []types.ToolSchema
	if r.e.tools != nil {
		for _, s := range r.e.tools.List() {
			if r.agent.Allows(s.Name) {
				schemas = append(schemas, s)
			}
		}
	}

	prompt, err := r.e.renderer.Render(r.log, r.agent, r.task, schemas)
	if err != nil {
		r.append(eventlog.NewErrorEvent(string(KindUnknownError), "render prompt: "+err.Error(), false))
		return
	}

	r.append(eventlog.NewLLMCallEvent(prompt, r.iterations))
	resp, err := r.callLLM(ctx, &llm.Request{
		Model:       r.agent.Model,
		Prompt:      prompt,
		Tools:       schemas,
		MaxTokens:   r.e.config.MaxTokens,
		Temperature: r.e.config.Temperature,
	})
	if err != nil {
		r.fail(err, map[string]any{"source": "llm"})
		return
	}

	// 模型未返回用量时按文本估算
	usage := resp.Usage
	if usage.IsZero() && r.e.counter != nil {
		usage = types.EstimateUsage(r.e.counter, prompt, resp.Content)
	}
	r.stats.LLMCalls++
	r.stats.Usage.Add(usage)
	r.append(eventlog.NewLLMResponseEvent(resp.Content, usage))

	switch a := ParseAction(resp.Content).(type) {
	case ToolCallAction:
		r.callTool(ctx, a)
	case FinishAction:
		r.handler.RecordSuccess()
		r.append(eventlog.NewFinishTaskEvent(a.Result, a.Reasoning, true))
	case HumanRequestAction:
		r.append(eventlog.NewHumanRequestEvent(a.Question, a.Context))
	}
}

// =============================================================================
// 📞 LLM 与工具调用
// =============================================================================

func (r *run) callLLM(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if r.e.client == nil {
		return nil, types.NewError(types.ErrProviderNotSet, "no LLM client configured")
	}

	ctx, span := r.e.telemetry.StartSpan(ctx, "agent.llm_call", attribute.String("llm.model", req.Model))
	start := time.Now()

	call := func(ctx context.Context) (*llm.Response, error) {
		callCtx := ctx
		if r.e.config.LLMTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.e.config.LLMTimeout)
			defer cancel()
		}
		resp, err := r.e.client.Invoke(callCtx, req)
		if err != nil {
			// 仅单次调用超时才算超时错误，外层取消原样返回
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, types.NewTimeoutError(fmt.Sprintf("llm call timed out after %s", r.e.config.LLMTimeout)).WithCause(err)
			}
			return nil, err
		}
		if resp == nil {
			return nil, types.NewError(types.ErrUpstreamError, "llm returned no response")
		}
		return resp, nil
	}

	var (
		resp *llm.Response
		err  error
	)
	if r.e.breakers != nil {
		resp, err = circuitbreaker.CallTyped(ctx, r.e.breakers.GetOrCreate(llmBreakerKey(req.Model)), call)
	} else {
		resp, err = call(ctx)
	}

	status := "success"
	var usage types.TokenUsage
	if err != nil {
		status = "error"
	} else {
		usage = resp.Usage
	}
	r.e.metrics.RecordLLMRequest(req.Model, status, time.Since(start),
		usage.PromptTokens, usage.CompletionTokens, usage.Cost)
	telemetry.EndSpan(span, err)
	return resp, err
}

func llmBreakerKey(model string) string {
	if model == "" {
		return "llm"
	}
	return "llm:" + model
}

func (r *run) callTool(ctx context.Context, a ToolCallAction) {
	r.stats.ToolCalls++
	r.append(eventlog.NewToolCallEvent(a.Tool, a.Args, a.Reasoning))

	// 未授权或未注册的工具按工具失败处理，不调用
	if r.e.tools == nil || !r.agent.Allows(a.Tool) || !r.e.tools.Has(a.Tool) {
		err := types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %q is not available", a.Tool)).WithTool(a.Tool)
		r.toolFailed(a.Tool, err)
		return
	}

	ctx, span := r.e.telemetry.StartSpan(ctx, "agent.tool_call", attribute.String("tool.name", a.Tool))
	call := func(ctx context.Context) (any, error) {
		callCtx := ctx
		if r.e.config.ToolTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.e.config.ToolTimeout)
			defer cancel()
		}
		v, err := r.e.tools.Invoke(callCtx, a.Tool, a.Args)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, types.NewTimeoutError(fmt.Sprintf("tool %s timed out after %s", a.Tool, r.e.config.ToolTimeout)).
				WithTool(a.Tool).WithCause(err)
		}
		return v, err
	}

	var (
		value any
		err   error
	)
	if r.e.breakers != nil {
		value, err = r.e.breakers.GetOrCreate("tool:"+a.Tool).CallWithResult(ctx, call)
	} else {
		value, err = call(ctx)
	}
	telemetry.EndSpan(span, err)

	if err != nil {
		r.toolFailed(a.Tool, err)
		return
	}

	r.handler.RecordSuccess()
	r.lastValue, r.hasValue = value, true
	r.append(eventlog.NewToolResultEvent(a.Tool, true, value, ""))
}

// =============================================================================
// 🚨 失败记录
// =============================================================================

// toolFailed records a failed tool result. An unrecoverable failure is
// followed by an error event that ends the run.
func (r *run) toolFailed(tool string, err error) {
	r.stats.ToolErrors++
	kind := r.handler.classifier.Classify(err)

	res := eventlog.NewToolResultEvent(tool, false, nil, err.Error())
	res.Data[eventlog.KeyErrorType] = string(kind)
	r.append(res)

	errEvent := r.handler.Handle(err, map[string]any{eventlog.KeyTool: tool})
	r.stats.Errors++
	r.logger.Warn("tool call failed",
		zap.String("tool", tool),
		zap.String("kind", string(kind)),
		zap.Error(err))

	if !errEvent.Bool(eventlog.KeyRecoverable, true) {
		r.append(errEvent)
		return
	}
	r.maybeAskForHelp()
}

// fail records a non-tool failure as an error event.
func (r *run) fail(err error, fields map[string]any) {
	e := r.handler.Handle(err, fields)
	r.stats.Errors++
	r.append(e)
	r.logger.Warn("step failed",
		zap.String("kind", e.String(eventlog.KeyErrorType)),
		zap.Bool("recoverable", e.Bool(eventlog.KeyRecoverable, true)),
		zap.Error(err))

	if e.Bool(eventlog.KeyRecoverable, true) {
		r.maybeAskForHelp()
	}
}

func (r *run) maybeAskForHelp() {
	if !r.handler.ShouldRequestHumanHelp() {
		return
	}
	recent := r.log.RecentErrors(r.handler.ConsecutiveErrors())
	r.append(r.handler.CreateHumanHelpRequest(recent))
	r.logger.Warn("consecutive error threshold reached, asking for help",
		zap.Int("errors", r.handler.ConsecutiveErrors()))
}

// append adds e to the log and reports state changes.
func (r *run) append(e eventlog.Event) {
	prev := r.log.CurrentState()
	r.log.Append(e)
	if cur := r.log.CurrentState(); cur != prev {
		r.e.metrics.RecordAgentStateTransition(r.agent.ID, string(prev), string(cur))
		r.logger.Debug("state transition",
			zap.String("from", string(prev)),
			zap.String("to", string(cur)),
			zap.String("event", string(e.Type)))
	}
}

// bestEffort is the last successful tool result, else the last model reply.
func (r *run) bestEffort() any {
	if r.hasValue {
		return r.lastValue
	}
	for _, e := range r.log.Filter(eventlog.EventLLMResponse) {
		r.lastValue = e.String(eventlog.KeyContent)
	}
	return r.lastValue
}

func (r *run) result() *Result {
	res := &Result{
		RunID:      r.id,
		AgentID:    r.agent.ID,
		TaskID:     r.task.ID,
		State:      r.log.CurrentState(),
		Log:        r.log,
		Stats:      r.stats,
		Iterations: r.iterations,
		TimedOut:   r.timedOut,
		agent:      r.agent,
		task:       r.task,
	}

	last, _ := r.log.Last()
	switch res.State {
	case eventlog.StateCompleted:
		res.Success = last.Bool(eventlog.KeySuccess, true)
		res.Result = last.Data[eventlog.KeyResult]
	case eventlog.StateFailed:
		res.Error = last.String(eventlog.KeyMessage)
		if res.Error == "" {
			res.Error = last.String(eventlog.KeyReason)
		}
		if res.Error == "" {
			res.Error = "run failed"
		}
	}
	return res
}

func (r *run) archive(ctx context.Context, res *Result) {
	if r.e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	snap := &persistence.RunSnapshot{
		RunID:     res.RunID,
		Kind:      persistence.KindAgent,
		Name:      r.agent.ID,
		Status:    string(res.State),
		Events:    r.log.Events(),
		Variables: r.task.Input,
		Error:     res.Error,
	}
	if res.Result != nil {
		snap.NodeResults = map[string]any{eventlog.KeyResult: res.Result}
	}
	if err := r.e.store.Save(ctx, snap); err != nil {
		r.logger.Error("failed to archive run", zap.Error(err))
	}
}
