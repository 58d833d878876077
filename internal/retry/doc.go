// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package retry provides exponential-backoff retries with optional jitter.

A Retryer runs a function until it succeeds, the policy's ShouldRetry
rejects the error, MaxRetries is exhausted, or the context is cancelled.
It backs LLM call retries and the retry error policy of workflow nodes.
*/
package retry
