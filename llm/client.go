package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/types"
)

// Request is one prompt sent to a model.
type Request struct {
	Model       string             `json:"model,omitempty"`
	Prompt      string             `json:"prompt"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
}

// Response is a complete model answer.
type Response struct {
	Content      string           `json:"content"`
	Model        string           `json:"model,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        types.TokenUsage `json:"usage"`
}

// StreamChunk is one increment of a streamed answer. The final chunk may
// carry usage; a chunk with Err ends the stream.
type StreamChunk struct {
	Delta        string            `json:"delta"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *types.TokenUsage `json:"usage,omitempty"`
	Err          error             `json:"-"`
}

// Client is implemented by model providers.
type Client interface {
	// Invoke sends the prompt and waits for the full answer.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// Stream sends the prompt and returns a finite, non-restartable channel
	// of chunks that is closed when the answer ends.
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}

// Collect drains ch into a Response. It stops at the first chunk carrying an
// error or when ctx is cancelled.
func Collect(ctx context.Context, ch <-chan StreamChunk) (*Response, error) {
	var (
		sb   strings.Builder
		resp Response
	)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("collect stream: %w", ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = sb.String()
				return &resp, nil
			}
			if chunk.Err != nil {
				return nil, fmt.Errorf("collect stream: %w", chunk.Err)
			}
			sb.WriteString(chunk.Delta)
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
}

// InvokeFunc adapts a function to Client. Stream delivers the whole answer
// as a single chunk.
type InvokeFunc func(ctx context.Context, req *Request) (*Response, error)

// Invoke implements Client.
func (f InvokeFunc) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Stream implements Client.
func (f InvokeFunc) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	resp, err := f(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	usage := resp.Usage
	ch <- StreamChunk{Delta: resp.Content, FinishReason: resp.FinishReason, Usage: &usage}
	close(ch)
	return ch, nil
}
