package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回 30 秒超时的测试上下文，测试结束时取消
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Logger 返回绑定到 t 的测试日志器，只输出 Warn 及以上
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// =============================================================================
// 🔍 事件日志断言
// =============================================================================

// EventTypes 按顺序列出 log 中的事件类型
func EventTypes(log *eventlog.EventLog) []eventlog.EventType {
	events := log.Events()
	out := make([]eventlog.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// AssertEventTypes 断言事件类型序列完全一致
func AssertEventTypes(t *testing.T, log *eventlog.EventLog, want ...eventlog.EventType) {
	t.Helper()
	assert.Equal(t, want, EventTypes(log))
}

// AssertState 断言由最后一个事件推导出的状态
func AssertState(t *testing.T, log *eventlog.EventLog, want eventlog.State) {
	t.Helper()
	assert.Equal(t, want, log.CurrentState(), "event types: %v", EventTypes(log))
}

// LastOf 返回最近一个 typ 类型的事件，不存在时测试失败
func LastOf(t *testing.T, log *eventlog.EventLog, typ eventlog.EventType) eventlog.Event {
	t.Helper()
	events := log.Filter(typ)
	require.NotEmpty(t, events, "no %s event in %v", typ, EventTypes(log))
	return events[len(events)-1]
}

// =============================================================================
// ⏱️ 异步与 JSON 辅助
// =============================================================================

// AssertEventually 轮询 cond 直到成立或超时
func AssertEventually(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	assert.Eventually(t, cond, timeout, 10*time.Millisecond)
}

// MustJSON 编码 v，失败时测试失败
func MustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

// AssertJSONEqual 按语义比较两个 JSON 文档
func AssertJSONEqual(t *testing.T, expected, actual string) {
	t.Helper()
	assert.JSONEq(t, expected, actual)
}
