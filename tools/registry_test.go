package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var searchParams = json.RawMessage(`{
  "type": "object",
  "properties": {"query": {"type": "string"}, "limit": {"type": "integer", "minimum": 1}},
  "required": ["query"]
}`)

func newSearchTool(calls *atomic.Int32) *Func {
	return NewFunc("search", "Searches things.", searchParams,
		func(_ context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return "results for " + args["query"].(string), nil
		})
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry(zap.NewNop())
	require.NoError(t, RegisterBuiltins(r))

	assert.True(t, r.Has("echo"))
	assert.True(t, r.Has("delay"))
	assert.False(t, r.Has("missing"))

	tool, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Schema().Name)

	names := []string{}
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"delay", "echo"}, names)
}

func TestRegistry_RegisterRejects(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Echo()))

	assert.Error(t, r.Register(Echo()), "duplicate")
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(NewFunc("", "", nil, nil)))
	assert.Error(t, r.Register(NewFunc("bad", "", json.RawMessage(`{"type": 12}`), nil)))
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Echo()))
	require.NoError(t, r.Unregister("echo"))
	assert.False(t, r.Has("echo"))
	assert.ErrorIs(t, r.Unregister("echo"), ErrToolNotFound)
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

func TestRegistry_InvokeSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newSearchTool(&calls)))

	got, err := r.Invoke(context.Background(), "search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "results for go", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	_, err := r.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.True(t, types.IsErrorCode(err, types.ErrToolNotFound))
	assert.Contains(t, err.Error(), "nope")
}

func TestRegistry_InvokeValidatesArguments(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newSearchTool(&calls)))

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"query": 7}},
		{"below minimum", map[string]any{"query": "x", "limit": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "search", tt.args)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrToolValidation), err.Error())
		})
	}
	assert.Zero(t, calls.Load(), "tool must not run on invalid arguments")
}

func TestRegistry_InvokeWrapsToolErrors(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	boom := errors.New("boom")
	require.NoError(t, r.Register(NewFunc("fails", "", nil, func(context.Context, map[string]any) (any, error) {
		return nil, boom
	})))
	require.NoError(t, r.Register(NewFunc("denied", "", nil, func(context.Context, map[string]any) (any, error) {
		return nil, types.NewPermissionError("not allowed")
	})))

	_, err := r.Invoke(context.Background(), "fails", nil)
	assert.ErrorIs(t, err, boom)
	assert.True(t, types.IsErrorCode(err, types.ErrToolExecution))

	_, err = r.Invoke(context.Background(), "denied", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrPermissionDenied))
}

func TestRegistry_InvokeRecoversPanic(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(NewFunc("panics", "", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})))
	_, err := r.Invoke(context.Background(), "panics", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Delay(), WithTimeout(20*time.Millisecond)))

	_, err := r.Invoke(context.Background(), "delay", map[string]any{"duration": "1s"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
}

func TestRegistry_InvokeRateLimit(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Echo(), WithRateLimit(0.001, 2)))

	for i := 0; i < 2; i++ {
		_, err := r.Invoke(context.Background(), "echo", nil)
		require.NoError(t, err)
	}
	_, err := r.Invoke(context.Background(), "echo", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrToolRateLimit))
	assert.True(t, types.IsRetryable(err))
}

func TestRegistry_InvokeAsync(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(r))

	ch := r.InvokeAsync(context.Background(), "delay", map[string]any{"duration": "5ms", "value": 9})
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, "delay", res.Tool)
	assert.Equal(t, 9, res.Value)
	_, open := <-ch
	assert.False(t, open)
}

func TestRegistry_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	r := NewRegistry(nil, WithMetrics(metrics.NewCollector("tools_test", reg, nil)))
	require.NoError(t, r.Register(Echo()))

	_, _ = r.Invoke(context.Background(), "echo", map[string]any{"a": 1})
	_, _ = r.Invoke(context.Background(), "missing", nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "tools_test_tool_calls_total" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}

func TestEcho(t *testing.T) {
	t.Parallel()
	out, err := Echo().Execute(context.Background(), map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "y"}, out)
}

func TestDelay_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Delay().Execute(ctx, map[string]any{"duration": "1h"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Delay().Execute(context.Background(), map[string]any{"duration": "soon"})
	assert.Error(t, err)
}
