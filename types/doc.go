// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types holds the shared, dependency-free definitions used by every
other package in agentloop.

# Overview

types sits at the bottom of the import graph. agent, tools, workflow,
trigger and persistence all depend on it, so nothing here imports another
agentloop package.

# Core types

  - Error / ErrorCode: structured error with code, retryable flag and cause
  - TokenUsage: prompt/completion/total tokens plus cost
  - ToolSchema: tool name, description and JSON Schema parameters
  - EstimateTokenizer: character based token estimate for providers that
    do not report usage

# Context propagation

WithRunID / WithAgentID / WithTaskID / WithNodeID attach identifiers to a
context.Context so that tools invoked deep inside a run can tag their own
logs. WithRequestID and WithTriggerID record what started the run.
*/
package types
