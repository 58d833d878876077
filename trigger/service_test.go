package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/testutil"
	"github.com/BaSui01/agentloop/workflow"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type firing struct {
	workflow string
	vars     map[string]any
}

// recorder is a Runner that reports every run on a channel.
type recorder struct {
	fired chan firing
	block chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan firing, 16)}
}

func (r *recorder) RunWorkflow(ctx context.Context, name string, vars map[string]any) (*workflow.ExecutionContext, error) {
	r.fired <- firing{workflow: name, vars: vars}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return &workflow.ExecutionContext{RunID: "r", Workflow: name, Status: workflow.StatusFailed, Error: ctx.Err().Error()}, nil
		}
	}
	return &workflow.ExecutionContext{RunID: "r", Workflow: name, Status: workflow.StatusCompleted}, nil
}

func (r *recorder) next(t *testing.T, within time.Duration) firing {
	t.Helper()
	select {
	case f := <-r.fired:
		return f
	case <-time.After(within):
		t.Fatalf("no run within %s", within)
		return firing{}
	}
}

func (r *recorder) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case f := <-r.fired:
		t.Fatalf("unexpected run of %s", f.workflow)
	case <-time.After(within):
	}
}

func mustEvent(t *testing.T, id, wf, event string) *EventDrivenTrigger {
	t.Helper()
	tr, err := NewEventDrivenTrigger(id, wf, event, map[string]any{"static": id})
	require.NoError(t, err)
	return tr
}

func startService(t *testing.T, runner Runner, opts ...Option) *Service {
	t.Helper()
	s := NewService(runner, testutil.Logger(t), opts...)
	require.NoError(t, s.Start(testutil.TestContext(t)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestService_Registration(t *testing.T) {
	s := NewService(newRecorder(), nil)

	require.NoError(t, s.Register(mustEvent(t, "b", "wf", "e")))
	require.NoError(t, s.Register(mustEvent(t, "a", "wf", "e")))
	assert.ErrorIs(t, s.Register(mustEvent(t, "a", "wf", "e")), ErrDuplicateTrigger)
	assert.Error(t, s.Register(nil))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID())
	assert.Equal(t, "b", list[1].ID())

	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrTriggerNotFound)
	_, ok := s.Get("a")
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Firing
// ---------------------------------------------------------------------------

func TestService_Fire(t *testing.T) {
	rec := newRecorder()
	s := NewService(rec, testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "manual", "report", "x")))

	ec, err := s.Fire(testutil.TestContext(t), "manual", map[string]any{"quarter": "q3"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, ec.Status)

	f := rec.next(t, time.Second)
	assert.Equal(t, "report", f.workflow)
	assert.Equal(t, "q3", f.vars["quarter"])
	assert.Equal(t, "manual", f.vars["static"])
	info := f.vars[VarTrigger].(map[string]any)
	assert.Equal(t, "manual", info["id"])
	assert.Equal(t, "manual", info["source"])
	assert.Equal(t, "x", info["event"])

	_, err = s.Fire(testutil.TestContext(t), "ghost", nil)
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestService_FireContainsFailures(t *testing.T) {
	boom := errors.New("engine offline")
	s := NewService(RunnerFunc(func(context.Context, string, map[string]any) (*workflow.ExecutionContext, error) {
		return nil, boom
	}), testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "t", "wf", "e")))

	_, err := s.Fire(testutil.TestContext(t), "t", nil)
	assert.ErrorIs(t, err, boom)

	panicky := NewService(RunnerFunc(func(context.Context, string, map[string]any) (*workflow.ExecutionContext, error) {
		panic("runner exploded")
	}), testutil.Logger(t))
	require.NoError(t, panicky.Register(mustEvent(t, "t", "wf", "e")))

	_, err = panicky.Fire(testutil.TestContext(t), "t", nil)
	assert.ErrorContains(t, err, "runner exploded")
}

func TestService_EmitFiresBoundTriggers(t *testing.T) {
	rec := newRecorder()
	s := NewService(rec, testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "one", "ingest", "file.uploaded")))
	require.NoError(t, s.Register(mustEvent(t, "two", "audit", "file.uploaded")))
	require.NoError(t, s.Register(mustEvent(t, "other", "cleanup", "file.deleted")))
	require.NoError(t, s.Start(testutil.TestContext(t)))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.Emit(testutil.TestContext(t), "file.uploaded", map[string]any{"path": "/tmp/a.csv"}))

	got := map[string]firing{}
	for range 2 {
		f := rec.next(t, 2*time.Second)
		got[f.workflow] = f
	}
	assert.Contains(t, got, "ingest")
	assert.Contains(t, got, "audit")
	assert.Equal(t, "/tmp/a.csv", got["ingest"].vars["path"])
	assert.Equal(t, "file.uploaded", got["ingest"].vars[VarTrigger].(map[string]any)["event"])
	rec.none(t, 100*time.Millisecond)
}

func TestService_RegisterAfterStartAndUnregister(t *testing.T) {
	rec := newRecorder()
	s := startService(t, rec)
	ctx := testutil.TestContext(t)

	require.NoError(t, s.Register(mustEvent(t, "late", "wf", "ping")))
	require.NoError(t, s.Emit(ctx, "ping", nil))
	rec.next(t, 2*time.Second)

	require.NoError(t, s.Unregister("late"))
	require.NoError(t, s.Emit(ctx, "ping", nil))
	rec.none(t, 200*time.Millisecond)
}

func TestService_ScheduledTriggerFires(t *testing.T) {
	rec := newRecorder()
	tr, err := NewScheduledTrigger("tick", "heartbeat", "@every 1s", nil)
	require.NoError(t, err)

	s := NewService(rec, testutil.Logger(t))
	require.NoError(t, s.Register(tr))
	require.NoError(t, s.Start(testutil.TestContext(t)))
	defer func() { _ = s.Stop(context.Background()) }()

	f := rec.next(t, 3*time.Second)
	assert.Equal(t, "heartbeat", f.workflow)
	assert.Equal(t, "schedule", f.vars[VarTrigger].(map[string]any)["source"])
}

func TestService_EmitValidation(t *testing.T) {
	s := NewService(newRecorder(), nil)
	assert.Error(t, s.Emit(context.Background(), "", nil))
	assert.Error(t, s.Emit(context.Background(), "x", map[string]any{"bad": make(chan int)}))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestService_StopWaitsForInflightRuns(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s := NewService(rec, testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "slow", "wf", "go")))
	require.NoError(t, s.Start(testutil.TestContext(t)))

	require.NoError(t, s.Emit(testutil.TestContext(t), "go", nil))
	rec.next(t, 2*time.Second)

	var stopped sync.WaitGroup
	stopped.Add(1)
	var stopErr error
	returned := make(chan struct{})
	go func() {
		defer stopped.Done()
		stopErr = s.Stop(context.Background())
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(rec.block)
	stopped.Wait()
	assert.NoError(t, stopErr)
}

func TestService_StopDeadlineCancelsRuns(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s := NewService(rec, testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "stuck", "wf", "go")))
	require.NoError(t, s.Start(testutil.TestContext(t)))

	require.NoError(t, s.Emit(testutil.TestContext(t), "go", nil))
	rec.next(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestService_StartAfterStop(t *testing.T) {
	s := NewService(newRecorder(), nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
	assert.ErrorIs(t, s.Register(mustEvent(t, "x", "wf", "e")), ErrStopped)
	assert.Error(t, s.Emit(context.Background(), "e", nil), "bus is closed")
}

// ---------------------------------------------------------------------------
// Integration
// ---------------------------------------------------------------------------

func TestService_RunsCatalogWorkflows(t *testing.T) {
	catalog := workflow.NewCatalog()
	catalog.Put(workflow.NewBuilder("greet").
		Node("hello", workflow.UnitFunc(func(_ context.Context, in workflow.Input) (any, error) {
			return "hello " + in.Variables["name"].(string), nil
		})).
		MustBuild())

	reg := prometheus.NewRegistry()
	runner := &CatalogRunner{Engine: workflow.NewEngine(testutil.Logger(t)), Catalog: catalog}
	s := NewService(runner, testutil.Logger(t), WithMetrics(metrics.NewCollector("test", reg, nil)))
	require.NoError(t, s.Register(mustEvent(t, "greeter", "greet", "visit")))
	require.NoError(t, s.Register(mustEvent(t, "broken", "missing", "visit")))

	ec, err := s.Fire(testutil.TestContext(t), "greeter", map[string]any{"name": "ana"})
	require.NoError(t, err)
	assert.Equal(t, "hello ana", ec.NodeResults["hello"])

	_, err = s.Fire(testutil.TestContext(t), "broken", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	n, err := promtest.GatherAndCount(reg, "test_trigger_fires_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestService_FiredRunsSeeDefinitionDefaults(t *testing.T) {
	def, err := workflow.ParseDefinition([]byte(`
name: thresholds
variables:
  threshold: 3
  label: default
nodes:
  - id: start
    func: score
  - id: high
    func: report
    config:
      label: ${label}
edges:
  - from: start
    to: high
    when: result > vars.threshold
`))
	require.NoError(t, err)

	g, err := def.Build(&workflow.DefaultUnitFactory{Funcs: map[string]workflow.Unit{
		"score": workflow.UnitFunc(func(context.Context, workflow.Input) (any, error) { return 5, nil }),
		"report": workflow.UnitFunc(func(_ context.Context, in workflow.Input) (any, error) {
			return in.Config["label"], nil
		}),
	}})
	require.NoError(t, err)

	catalog := workflow.NewCatalog()
	catalog.Put(g)
	runner := &CatalogRunner{Engine: workflow.NewEngine(testutil.Logger(t)), Catalog: catalog}
	s := NewService(runner, testutil.Logger(t))
	require.NoError(t, s.Register(mustEvent(t, "on-score", "thresholds", "score")))

	ec, err := s.Fire(testutil.TestContext(t), "on-score", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, ec.Status, ec.Error)
	assert.Equal(t, workflow.NodeCompleted, ec.NodeStates["high"])
	assert.Equal(t, "default", ec.NodeResults["high"])
	assert.Empty(t, ec.Log.Filter(eventlog.EventError))

	ec, err = s.Fire(testutil.TestContext(t), "on-score", map[string]any{"threshold": 10, "label": "override"})
	require.NoError(t, err)
	assert.Equal(t, workflow.NodeSkipped, ec.NodeStates["high"])
	assert.Equal(t, workflow.SkipCondition, ec.SkipReasons["high"])
}
