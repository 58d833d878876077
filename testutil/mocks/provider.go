// Package mocks provides scripted test doubles for the LLM client and tools.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/types"
)

// ErrScriptExhausted is returned once every scripted reply was consumed and
// no fallback is set.
var ErrScriptExhausted = errors.New("mock llm: script exhausted")

// Reply 是一条预设回复，Err 非空时返回错误而不是 Content
type Reply struct {
	Content string
	Err     error
	Usage   types.TokenUsage
	Delay   time.Duration
}

// MockLLMClient 按顺序回放预设回复并记录每个请求
type MockLLMClient struct {
	mu       sync.Mutex
	replies  []Reply
	fallback *Reply
	handler  func(ctx context.Context, req *llm.Request) (*llm.Response, error)
	requests []*llm.Request
}

var _ llm.Client = (*MockLLMClient)(nil)

// NewMockLLMClient 创建空脚本的客户端
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{}
}

// WithReplies 追加文本回复
func (m *MockLLMClient) WithReplies(contents ...string) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range contents {
		m.replies = append(m.replies, Reply{Content: c})
	}
	return m
}

// WithScript 追加任意回复
func (m *MockLLMClient) WithScript(replies ...Reply) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// WithFallback 设置脚本耗尽后的回复
func (m *MockLLMClient) WithFallback(r Reply) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &r
	return m
}

// WithHandler 完全绕过脚本
func (m *MockLLMClient) WithHandler(fn func(ctx context.Context, req *llm.Request) (*llm.Response, error)) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
	return m
}

// Invoke implements llm.Client.
func (m *MockLLMClient) Invoke(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.handler
	var (
		reply Reply
		ok    bool
	)
	if handler == nil {
		switch {
		case len(m.replies) > 0:
			reply, m.replies, ok = m.replies[0], m.replies[1:], true
		case m.fallback != nil:
			reply, ok = *m.fallback, true
		}
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if !ok {
		return nil, ErrScriptExhausted
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.Response{
		Content:      reply.Content,
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        reply.Usage,
	}, nil
}

// Stream implements llm.Client by delivering the next reply as one chunk.
func (m *MockLLMClient) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	return llm.InvokeFunc(m.Invoke).Stream(ctx, req)
}

// Requests 返回已记录的请求
func (m *MockLLMClient) Requests() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount 返回 Invoke 的调用次数
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastPrompt 返回最近一次请求的提示词
func (m *MockLLMClient) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	return m.requests[len(m.requests)-1].Prompt
}
