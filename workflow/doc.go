// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow runs DAGs of units with predicate edges.

A Graph is built once, in code through Builder or from a YAML Definition,
and then run any number of times by an Engine. Each run gets its own
ExecutionContext holding node results, node states and an event log.

# Scheduling

Roots are dispatched first. A node becomes ready when every source is
terminal; edges from completed sources must all hold and at least one must
fire. Otherwise the node is skipped with reason "condition" or
"upstream_failed" and the skip cascades. Ready nodes run in parallel up to
the engine limit and queue in FIFO order beyond it.

# Configuration

Node config may reference earlier results and run variables with
${node_id.path} placeholders. A placeholder that is the whole string keeps
the referenced value's type.

# Failures

A node's ErrorPolicy can retry the unit with a constant delay or complete
the node with a fallback value. A run fails when a failed node cannot reach
any completed sink.
*/
package workflow
