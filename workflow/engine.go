package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/agentloop/circuitbreaker"
	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/internal/retry"
	"github.com/BaSui01/agentloop/internal/telemetry"
	"github.com/BaSui01/agentloop/persistence"
	"github.com/BaSui01/agentloop/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentNodes bounds parallel node dispatch when no limit is
// configured.
const DefaultMaxConcurrentNodes = 4

// =============================================================================
// Engine Options
// =============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrentNodes bounds how many nodes of one run execute at once.
// Extra ready nodes wait in a FIFO queue.
func WithMaxConcurrentNodes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithBreakers invokes every node through the breaker keyed
// node:<workflow>/<id>, so same-named nodes of different workflows do not
// share failure counts.
func WithBreakers(reg *circuitbreaker.Registry) Option {
	return func(e *Engine) { e.breakers = reg }
}

// WithStore archives every finished run.
func WithStore(s persistence.RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics records run and node metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTelemetry sets the tracer and run instruments. Without it the
// providers installed by telemetry.Init are used.
func WithTelemetry(p *telemetry.Providers) Option {
	return func(e *Engine) { e.telemetry = p }
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs graphs. It holds no per-run state and is safe for concurrent
// use.
type Engine struct {
	maxConcurrent int
	breakers      *circuitbreaker.Registry
	store         persistence.RunStore
	metrics       *metrics.Collector
	telemetry     *telemetry.Providers
	logger        *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		maxConcurrent: DefaultMaxConcurrentNodes,
		logger:        logger.With(zap.String("component", "workflow_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxConcurrentNodes returns the dispatch limit.
func (e *Engine) MaxConcurrentNodes() int { return e.maxConcurrent }

// Run executes g to completion and returns its context. It never panics on
// unit failures; the outcome is in Status and Error.
func (e *Engine) Run(ctx context.Context, g *Graph, vars map[string]any) *ExecutionContext {
	start := time.Now()
	nilGraph := g == nil
	if nilGraph {
		g = NewGraph("")
	}
	ec := newExecutionContext(uuid.NewString(), g, vars)
	logger := e.logger.With(correlationFields(ctx)...).With(zap.String("workflow", g.Name()), zap.String("run_id", ec.RunID))
	ctx = types.WithRunID(ctx, ec.RunID)

	ctx, span := e.telemetry.StartSpan(ctx, "workflow.run",
		attribute.String("workflow.name", g.Name()),
		attribute.String("run.id", ec.RunID),
		attribute.Int("workflow.nodes", g.Len()),
	)

	ec.Status = StatusRunning
	ec.Log.Append(eventlog.NewTaskStartEvent(g.Name()))
	logger.Info("workflow run started",
		zap.Int("nodes", g.Len()),
		zap.Int("max_concurrent_nodes", e.maxConcurrent))

	if err := runnable(g, nilGraph); err != nil {
		ec.Status = StatusFailed
		ec.Error = err.Error()
	} else {
		s := &scheduler{
			engine: e,
			graph:  g,
			ec:     ec,
			logger: logger,
			queued: make(map[string]bool),
			done:   make(chan outcome, g.Len()),
		}
		s.run(ctx)
		s.conclude()
	}

	e.finish(ctx, ec, start, logger)
	var spanErr error
	if ec.Status == StatusFailed {
		spanErr = errors.New(ec.Error)
	}
	span.SetAttributes(attribute.String("workflow.status", string(ec.Status)))
	telemetry.EndSpan(span, spanErr)
	return ec
}

// runnable rejects a missing or cyclic graph. An empty graph has nothing
// pending and nothing running, so it completes.
func runnable(g *Graph, nilGraph bool) error {
	if nilGraph {
		return ErrNilGraph
	}
	_, err := g.TopologicalOrder()
	return err
}

func (e *Engine) finish(ctx context.Context, ec *ExecutionContext, start time.Time, logger *zap.Logger) {
	ec.FinishedAt = time.Now()
	success := ec.Status == StatusCompleted
	if success {
		ec.Log.Append(eventlog.NewTaskEndEvent(true, maps.Clone(ec.NodeResults), ""))
	} else {
		ec.Log.Append(eventlog.NewTaskEndEvent(false, nil, ec.Error))
	}

	e.metrics.RecordWorkflowRun(ec.Workflow, string(ec.Status), time.Since(start))
	e.telemetry.RecordRun(ctx, telemetry.RunKindWorkflow, ec.Workflow, string(ec.Status), time.Since(start))
	e.archive(ctx, ec, logger)

	fields := []zap.Field{
		zap.String("status", string(ec.Status)),
		zap.Int("completed", len(ec.NodesIn(NodeCompleted))),
		zap.Int("skipped", len(ec.NodesIn(NodeSkipped))),
		zap.Int("failed", len(ec.NodesIn(NodeFailed))),
		zap.Duration("duration", time.Since(start)),
	}
	if success {
		logger.Info("workflow run finished", fields...)
	} else {
		logger.Warn("workflow run failed", append(fields, zap.String("error", ec.Error))...)
	}
}

func (e *Engine) archive(ctx context.Context, ec *ExecutionContext, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := e.store.Save(ctx, &persistence.RunSnapshot{
		RunID:       ec.RunID,
		Kind:        persistence.KindWorkflow,
		Name:        ec.Workflow,
		Status:      string(ec.Status),
		Events:      ec.Log.Events(),
		NodeResults: ec.NodeResults,
		Variables:   ec.Variables,
		Error:       ec.Error,
	})
	if err != nil {
		logger.Error("failed to archive workflow run", zap.Error(err))
	}
}

// =============================================================================
// Node Execution
// =============================================================================

// outcome is sent from a node goroutine back to the scheduling loop.
type outcome struct {
	id       string
	result   any
	err      error
	attempts int
	fallback bool
	duration time.Duration
}

// execute runs one node. It is called from a dispatch goroutine and must
// not touch the execution context.
func (e *Engine) execute(ctx context.Context, workflow string, n *Node, in Input) outcome {
	start := time.Now()
	ctx = types.WithNodeID(ctx, n.ID)
	ctx, span := e.telemetry.StartSpan(ctx, "workflow.node",
		attribute.String("workflow.name", workflow),
		attribute.String("node.id", n.ID),
		attribute.String("node.type", string(n.Type)),
	)

	call := func(ctx context.Context) (any, error) {
		return safeExecute(ctx, n.Unit, in)
	}
	if e.breakers != nil {
		b := e.breakers.GetOrCreate(nodeBreakerKey(workflow, n.ID))
		unit := call
		call = func(ctx context.Context) (any, error) {
			return b.CallWithResult(ctx, unit)
		}
	}

	out := outcome{id: n.ID}
	counted := func(ctx context.Context) (any, error) {
		out.attempts++
		return call(ctx)
	}

	policy := n.OnError
	if policy != nil && policy.Strategy == StrategyRetry && policy.MaxRetries > 0 {
		r := retry.New(retry.Policy{
			MaxRetries:   policy.MaxRetries,
			InitialDelay: policy.RetryDelay,
			Multiplier:   1,
			ShouldRetry: func(err error) bool {
				return !circuitbreaker.IsOpen(err)
			},
		}, e.logger.With(zap.String("node_id", n.ID)))
		out.result, out.err = r.DoWithResult(ctx, counted)
	} else {
		out.result, out.err = counted(ctx)
	}

	if out.err != nil && policy != nil && policy.Strategy == StrategyFallback {
		e.logger.Warn("node failed, using fallback",
			zap.String("workflow", workflow),
			zap.String("node_id", n.ID),
			zap.Error(out.err))
		out.result, out.fallback = policy.Fallback, true
	}

	out.duration = time.Since(start)
	status := "completed"
	if out.err != nil && !out.fallback {
		status = "failed"
	}
	e.metrics.RecordNodeExecution(workflow, status, out.duration)
	if out.fallback {
		telemetry.EndSpan(span, nil)
	} else {
		telemetry.EndSpan(span, out.err)
	}
	return out
}

func nodeBreakerKey(workflow, id string) string {
	return "node:" + workflow + "/" + id
}

func safeExecute(ctx context.Context, u Unit, in Input) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("node %s panicked: %v", in.NodeID, p)
		}
	}()
	return u.Execute(ctx, in)
}

// =============================================================================
// Scheduler
// =============================================================================

// scheduler is the single writer of one run's ExecutionContext.
type scheduler struct {
	engine  *Engine
	graph   *Graph
	ec      *ExecutionContext
	logger  *zap.Logger
	group   errgroup.Group
	done    chan outcome
	queue   []string
	queued  map[string]bool
	running int
}

func (s *scheduler) run(ctx context.Context) {
	s.group.SetLimit(s.engine.maxConcurrent)
	for _, id := range s.graph.Roots() {
		s.enqueue(id)
	}

	for {
		s.dispatch(ctx)
		if s.running == 0 {
			break
		}
		out := <-s.done
		s.running--
		s.complete(out)
	}
	_ = s.group.Wait()
}

func (s *scheduler) enqueue(id string) {
	if s.queued[id] {
		return
	}
	s.queued[id] = true
	s.queue = append(s.queue, id)
}

// dispatch starts queued nodes while fewer than the limit are in flight.
// The scheduler counts in-flight nodes itself: a node whose outcome was
// received may still hold its errgroup slot for an instant, and Go waits
// for it instead of leaving the queued node behind.
func (s *scheduler) dispatch(ctx context.Context) {
	for len(s.queue) > 0 && s.running < s.engine.maxConcurrent {
		id := s.queue[0]
		n, _ := s.graph.Node(id)

		if err := ctx.Err(); err != nil {
			s.queue = s.queue[1:]
			s.fail(id, 0, fmt.Errorf("run cancelled before dispatch: %w", err))
			continue
		}

		in := Input{
			RunID:     s.ec.RunID,
			NodeID:    id,
			Config:    ResolveConfig(n.Config, s.ec.scope()),
			Results:   maps.Clone(s.ec.NodeResults),
			Variables: maps.Clone(s.ec.Variables),
		}
		task := func() error {
			s.done <- s.engine.execute(ctx, s.ec.Workflow, n, in)
			return nil
		}

		s.group.Go(task)

		s.queue = s.queue[1:]
		s.running++
		s.ec.NodeStates[id] = NodeRunning
		s.ec.Log.Append(nodeStartEvent(n, in.Config))
		s.logger.Debug("node dispatched", zap.String("node_id", id), zap.Int("running", s.running))
	}
}

func (s *scheduler) complete(out outcome) {
	if out.err != nil && !out.fallback {
		s.fail(out.id, out.attempts, out.err)
		return
	}

	s.ec.NodeStates[out.id] = NodeCompleted
	s.ec.NodeResults[out.id] = out.result
	s.ec.Log.Append(nodeDoneEvent(out))
	s.logger.Debug("node completed",
		zap.String("node_id", out.id),
		zap.Int("attempts", out.attempts),
		zap.Duration("duration", out.duration))
	s.settle(out.id)
}

func (s *scheduler) fail(id string, attempts int, err error) {
	s.ec.NodeStates[id] = NodeFailed
	s.ec.NodeErrors[id] = err.Error()
	s.ec.Log.Append(nodeFailedEvent(id, attempts, err))
	s.logger.Warn("node failed", zap.String("node_id", id), zap.Error(err))
	s.settle(id)
}

func (s *scheduler) skip(id, reason string) {
	s.ec.NodeStates[id] = NodeSkipped
	s.ec.SkipReasons[id] = reason
	s.ec.Log.Append(nodeSkippedEvent(id, reason))
	s.logger.Debug("node skipped", zap.String("node_id", id), zap.String("reason", reason))
	s.settle(id)
}

// settle re-evaluates the successors of a node that just became terminal.
func (s *scheduler) settle(id string) {
	for _, e := range s.graph.Outbound(id) {
		s.evaluate(e.To)
	}
}

// evaluate decides a pending node once all of its sources are terminal.
// Edges from completed sources must all hold and at least one must fire;
// edges from failed or skipped sources are ignored.
func (s *scheduler) evaluate(id string) {
	if s.ec.NodeStates[id] != NodePending || s.queued[id] {
		return
	}

	var fired, blocked bool
	for _, e := range s.graph.Inbound(id) {
		state := s.ec.NodeStates[e.From]
		if !state.Terminal() {
			return
		}
		if state != NodeCompleted {
			continue
		}
		ok, err := evalEdge(e, s.ec.NodeResults[e.From], s.ec.Variables)
		if err != nil {
			s.ec.Log.Append(eventlog.NewErrorEvent("validation_error",
				fmt.Sprintf("edge %s -> %s: %v", e.From, e.To, err), true))
			s.logger.Warn("edge predicate failed",
				zap.String("from", e.From),
				zap.String("to", e.To),
				zap.Error(err))
		}
		if ok {
			fired = true
		} else {
			blocked = true
		}
	}

	switch {
	case fired && !blocked:
		s.enqueue(id)
	case blocked:
		s.skip(id, SkipCondition)
	default:
		s.skip(id, SkipUpstreamFailed)
	}
}

func evalEdge(e *Edge, result any, vars map[string]any) (ok bool, err error) {
	if e.Predicate == nil {
		return true, nil
	}
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("predicate panicked: %v", p)
		}
	}()
	ok, err = e.Predicate(result, vars)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// conclude sets the run status. The run fails when a failed node cannot
// reach any completed sink.
func (s *scheduler) conclude() {
	var fatal []string
	for _, id := range sortedIDs(s.ec.NodesIn(NodeFailed)) {
		if !s.reachesCompletedSink(id) {
			fatal = append(fatal, id)
		}
	}

	if len(fatal) == 0 {
		s.ec.Status = StatusCompleted
		return
	}
	s.ec.Status = StatusFailed
	msgs := make([]string, 0, len(fatal))
	for _, id := range fatal {
		msgs = append(msgs, fmt.Sprintf("node %s: %s", id, s.ec.NodeErrors[id]))
	}
	s.ec.Error = strings.Join(msgs, "; ")
}

func (s *scheduler) reachesCompletedSink(id string) bool {
	for _, d := range s.graph.Descendants(id) {
		if s.graph.IsSink(d) && s.ec.NodeStates[d] == NodeCompleted {
			return true
		}
	}
	return false
}

func sortedIDs(ids []string) []string {
	slices.Sort(ids)
	return ids
}

// correlationFields returns the ids of the request, caller or trigger that
// started a run.
func correlationFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id, ok := types.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := types.TriggerID(ctx); ok {
		fields = append(fields, zap.String("trigger_id", id))
	}
	if p, ok := types.Principal(ctx); ok {
		fields = append(fields, zap.String("principal", p))
	}
	return fields
}
