package fixtures

import (
	"encoding/json"
	"fmt"
)

// ToolReply 返回调用 tool 的模型回复
func ToolReply(tool string, args map[string]any) string {
	return mustJSON(map[string]any{
		"action":    "tool_call",
		"tool":      tool,
		"args":      args,
		"reasoning": fmt.Sprintf("need %s", tool),
	})
}

// FinishReply 返回以 result 结束任务的模型回复
func FinishReply(result any) string {
	return mustJSON(map[string]any{
		"action":    "finish",
		"result":    result,
		"reasoning": "task done",
	})
}

// HumanReply 返回向用户提问的模型回复
func HumanReply(question string) string {
	return mustJSON(map[string]any{
		"action":   "human_request",
		"question": question,
	})
}

// ProseReply wraps a JSON action in surrounding prose the way chatty models
// answer.
func ProseReply(action string) string {
	return "Sure, here is what I will do next:\n" + action + "\nLet me know."
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
