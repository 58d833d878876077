// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil holds shared helpers for agentloop tests.

# Overview

Context helpers register their cancel functions with t.Cleanup. Event log
assertions compare runs by event type sequence and derived state, which
keeps tests independent of generated ids and timestamps.

# Subpackages

  - testutil/mocks: MockLLMClient replays scripted replies and records
    requests; MockTool returns scripted results or errors.
  - testutil/fixtures: canned agents, tasks and model replies for the
    common run shapes.

# Example

	ctx := testutil.TestContext(t)
	client := mocks.NewMockLLMClient().WithReplies(fixtures.FinishReply("done"))
	res := executor.Run(ctx, fixtures.Agent(), fixtures.Task("say done"))
	testutil.AssertEventTypes(t, res.Log, eventlog.EventTaskStart, ...)
*/
package testutil
