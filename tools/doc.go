// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package tools provides the process-wide tool registry used by agents and
workflow nodes.

A Registry maps tool names to Tool implementations. Every registered tool
carries a schema; when the schema declares parameters, arguments are
validated against it with gojsonschema before the tool runs. Invocation
applies an optional per-tool token-bucket rate limit and a per-call timeout,
and converts failures into *types.Error values with the matching code:

  - unknown tool: TOOL_NOT_FOUND (wraps ErrToolNotFound)
  - rejected arguments: TOOL_VALIDATION
  - rate limited: TOOL_RATE_LIMIT
  - deadline exceeded: TIMEOUT
  - anything the tool returned: TOOL_ERROR

The registry is safe for concurrent use and meant to be shared.
*/
package tools
