// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package metrics collects Prometheus metrics for the runtime.

# Overview

Collector registers every metric through promauto against a caller-supplied
Registerer, so tests can use an isolated registry while the binary uses the
default one behind /metrics. All metrics share a namespace.

A nil *Collector is valid: every Record method is a no-op on it, so runtime
components accept an optional collector without branching.

# Dimensions

  - HTTP: request count and latency for the serve endpoints.
  - LLM: request count, latency, prompt/completion tokens and cost by model.
  - Tools: invocation count and latency by tool and status.
  - Agent: run count, latency and iteration count by agent and status,
    plus derived state transitions.
  - Workflow: run and node execution count and latency by status.
  - Circuit breakers: current state gauge per breaker key.
  - Triggers: firings by trigger, kind and outcome.
  - Run store: operation latency by backend.
*/
package metrics
