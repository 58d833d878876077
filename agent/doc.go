// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package agent runs the ReAct loop for a single agent task.

# Overview

An Executor repeatedly renders a prompt from the run's event log, asks the
LLM for the next step, parses that step into an Action and carries it out.
Every step is recorded as an event, and the log's derived state decides
whether the loop continues.

	render -> LLM call -> ParseAction -> tool call | finish | ask human
	   ^                                      |
	   +--------------------------------------+

# Actions

ParseAction never fails. It accepts a whole JSON object, the first balanced
JSON object embedded in prose, and otherwise treats the text as the final
answer.

# Errors

ErrorClassifier sorts failures into a closed set of kinds. ErrorHandler
turns them into error events and counts consecutive failures; once the
count reaches the threshold the executor asks a human for help and
suspends. Permission errors end the run. LLM and tool calls go through
circuit breakers so a failing dependency is not hammered.

# Resuming

A run suspended on a human request is continued with Executor.Resume,
which appends the answer and runs the loop again with a fresh iteration
budget.
*/
package agent
