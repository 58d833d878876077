// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package llm defines the model-client contract consumed by agents.

Concrete provider clients live outside this module. The runtime only needs
Client: a synchronous Invoke returning content plus token usage and cost,
and a Stream returning a finite channel of text chunks. Collect drains a
stream into a single Response.

RetryingClient decorates any Client with backoff retries for errors marked
retryable.
*/
package llm
