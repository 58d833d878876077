package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/internal/retry"
	"github.com/BaSui01/agentloop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunks(parts ...StreamChunk) <-chan StreamChunk {
	ch := make(chan StreamChunk, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

// ---------------------------------------------------------------------------
// Collect
// ---------------------------------------------------------------------------

func TestCollect(t *testing.T) {
	t.Parallel()
	usage := types.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	resp, err := Collect(context.Background(), chunks(
		StreamChunk{Delta: "Hel"},
		StreamChunk{Delta: "lo"},
		StreamChunk{FinishReason: "stop", Usage: &usage},
	))
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestCollect_Empty(t *testing.T) {
	t.Parallel()
	resp, err := Collect(context.Background(), chunks())
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
}

func TestCollect_ChunkError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := Collect(context.Background(), chunks(StreamChunk{Delta: "a"}, StreamChunk{Err: boom}))
	assert.ErrorIs(t, err, boom)
}

func TestCollect_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, make(chan StreamChunk))
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// InvokeFunc
// ---------------------------------------------------------------------------

func TestInvokeFunc_StreamSingleChunk(t *testing.T) {
	t.Parallel()
	c := InvokeFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Content: "echo: " + req.Prompt, Usage: types.TokenUsage{TotalTokens: 4}}, nil
	})
	ch, err := c.Stream(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	resp, err := Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

// ---------------------------------------------------------------------------
// RetryingClient
// ---------------------------------------------------------------------------

func TestRetryingClient_RetriesRetryableOnly(t *testing.T) {
	t.Parallel()
	calls := 0
	flaky := InvokeFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, types.NewError(types.ErrUpstreamTimeout, "slow").WithRetryable(true)
		}
		return &Response{Content: "ok"}, nil
	})
	c := NewRetryingClient(flaky, retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond}, nil)

	resp, err := c.Invoke(context.Background(), &Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, calls)

	calls = 0
	denied := InvokeFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		return nil, types.NewPermissionError("no key")
	})
	c = NewRetryingClient(denied, retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond}, nil)
	_, err = c.Invoke(context.Background(), &Request{})
	assert.True(t, types.IsErrorCode(err, types.ErrPermissionDenied))
	assert.Equal(t, 1, calls)
}
