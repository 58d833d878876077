// Package fixtures provides canned agents, tasks and model replies.
package fixtures

import (
	"github.com/BaSui01/agentloop/agent"
	"github.com/google/uuid"
)

// Agent 返回可调用所有工具的通用 Agent
func Agent() *agent.Agent {
	return &agent.Agent{
		ID:           "test-agent",
		Name:         "Test Agent",
		SystemPrompt: "You are a careful assistant. Reply with one JSON action.",
		Model:        "mock-model",
	}
}

// RestrictedAgent 返回只能调用指定工具的 Agent
func RestrictedAgent(toolNames ...string) *agent.Agent {
	a := Agent()
	a.ID = "restricted-agent"
	a.Tools = toolNames
	return a
}

// Task 返回带新 ID 的任务
func Task(description string) *agent.Task {
	return &agent.Task{
		ID:          uuid.NewString(),
		Description: description,
	}
}

// TaskWithInput 返回带结构化输入的任务
func TaskWithInput(description string, input map[string]any) *agent.Task {
	t := Task(description)
	t.Input = input
	return t
}
