package llm

import (
	"context"

	"github.com/BaSui01/agentloop/internal/retry"
	"github.com/BaSui01/agentloop/types"
	"go.uber.org/zap"
)

// RetryingClient retries Invoke and stream setup on retryable errors.
type RetryingClient struct {
	next    Client
	retryer *retry.Retryer
}

// NewRetryingClient wraps next. Only errors for which types.IsRetryable
// reports true are retried.
func NewRetryingClient(next Client, policy retry.Policy, logger *zap.Logger) *RetryingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = types.IsRetryable
	}
	return &RetryingClient{
		next:    next,
		retryer: retry.New(policy, logger.With(zap.String("component", "llm_retry"))),
	}
}

// Invoke implements Client.
func (c *RetryingClient) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return retry.DoTyped(ctx, c.retryer, func(ctx context.Context) (*Response, error) {
		return c.next.Invoke(ctx, req)
	})
}

// Stream implements Client. Only opening the stream is retried.
func (c *RetryingClient) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	return retry.DoTyped(ctx, c.retryer, func(ctx context.Context) (<-chan StreamChunk, error) {
		return c.next.Stream(ctx, req)
	})
}
