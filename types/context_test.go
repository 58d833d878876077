package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := RunID(ctx)
	assert.False(t, ok)

	ctx = WithRunID(ctx, "run-1")
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithNodeID(ctx, "node-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTriggerID(ctx, "nightly")
	ctx = WithPrincipal(ctx, "user-7")

	v, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", v)
	v, _ = AgentID(ctx)
	assert.Equal(t, "agent-1", v)
	v, _ = TaskID(ctx)
	assert.Equal(t, "task-1", v)
	v, _ = NodeID(ctx)
	assert.Equal(t, "node-1", v)
	v, _ = TraceID(ctx)
	assert.Equal(t, "trace-1", v)
	v, _ = RequestID(ctx)
	assert.Equal(t, "req-1", v)
	v, _ = TriggerID(ctx)
	assert.Equal(t, "nightly", v)
	v, _ = Principal(ctx)
	assert.Equal(t, "user-7", v)

	_, ok = RunID(WithRunID(context.Background(), ""))
	assert.False(t, ok)
}
