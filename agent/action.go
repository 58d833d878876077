package agent

import (
	"encoding/json"
	"strings"
)

// ActionKind tags the Action variants.
type ActionKind string

const (
	ActionToolCall     ActionKind = "tool_call"
	ActionFinish       ActionKind = "finish"
	ActionHumanRequest ActionKind = "human_request"
)

// Action is the next step chosen by the model. The set of variants is
// closed: ToolCallAction, FinishAction and HumanRequestAction.
type Action interface {
	Kind() ActionKind
	isAction()
}

// ToolCallAction asks the executor to invoke a tool.
type ToolCallAction struct {
	Tool      string
	Args      map[string]any
	Reasoning string
}

// FinishAction ends the task with a result.
type FinishAction struct {
	Result    any
	Reasoning string
}

// HumanRequestAction suspends the run until a human answers.
type HumanRequestAction struct {
	Question string
	Context  map[string]any
}

func (ToolCallAction) Kind() ActionKind     { return ActionToolCall }
func (FinishAction) Kind() ActionKind       { return ActionFinish }
func (HumanRequestAction) Kind() ActionKind { return ActionHumanRequest }

func (ToolCallAction) isAction()     {}
func (FinishAction) isAction()       {}
func (HumanRequestAction) isAction() {}

// ParseAction decodes model output into an Action. It tries the whole text
// as a JSON object, then every balanced {...} substring in order, and
// finally treats the raw text as the final answer. It never fails.
func ParseAction(raw string) Action {
	text := strings.TrimSpace(raw)

	if obj, ok := decodeObject(text); ok {
		if a := actionFromObject(obj); a != nil {
			return a
		}
		return FinishAction{Result: raw}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if candidate, ok := balancedObject(text[start:]); ok {
			if obj, ok := decodeObject(candidate); ok {
				if a := actionFromObject(obj); a != nil {
					return a
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return FinishAction{Result: raw}
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// balancedObject returns the prefix of s that closes the object opened at
// s[0]. Brackets inside string literals are ignored.
func balancedObject(s string) (string, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

var (
	toolVerbs   = []string{"tool_call", "tool", "call_tool", "use_tool", "function_call"}
	finishVerbs = []string{"finish", "finish_task", "final_answer", "final", "answer", "done"}
	humanVerbs  = []string{"human_request", "ask_human", "human", "ask_user", "clarify"}
)

func actionFromObject(obj map[string]any) Action {
	verb := strings.ToLower(strings.TrimSpace(firstString(obj, "action", "type")))

	switch {
	case contains(toolVerbs, verb):
		return toolAction(obj)
	case contains(finishVerbs, verb):
		return finishAction(obj)
	case contains(humanVerbs, verb):
		return humanAction(obj)
	case verb != "":
		// {"action": "search", "args": {...}} names the tool directly
		if _, hasTool := firstKey(obj, "tool", "tool_name"); !hasTool {
			if _, hasArgs := firstKey(obj, "args", "arguments", "parameters", "input"); hasArgs {
				obj = cloneWith(obj, "tool", verb)
				return toolAction(obj)
			}
		}
	}

	// no usable verb: infer from the keys present
	if _, ok := firstKey(obj, "tool", "tool_name"); ok {
		return toolAction(obj)
	}
	if _, ok := firstKey(obj, "final_answer", "answer", "result"); ok {
		return finishAction(obj)
	}
	if _, ok := firstKey(obj, "question"); ok {
		return humanAction(obj)
	}
	return nil
}

func toolAction(obj map[string]any) Action {
	name := strings.TrimSpace(firstString(obj, "tool", "tool_name", "name"))
	if name == "" {
		return nil
	}
	return ToolCallAction{
		Tool:      name,
		Args:      toolArgs(obj),
		Reasoning: firstString(obj, "reasoning", "thought", "thinking"),
	}
}

func toolArgs(obj map[string]any) map[string]any {
	v, ok := firstKey(obj, "args", "arguments", "parameters", "input")
	if !ok || v == nil {
		return map[string]any{}
	}
	switch x := v.(type) {
	case map[string]any:
		return x
	case string:
		if decoded, ok := decodeObject(strings.TrimSpace(x)); ok {
			return decoded
		}
		return map[string]any{"input": x}
	default:
		return map[string]any{"input": x}
	}
}

func finishAction(obj map[string]any) Action {
	result, _ := firstKey(obj, "result", "final_answer", "answer", "output", "content")
	return FinishAction{
		Result:    result,
		Reasoning: firstString(obj, "reasoning", "thought", "thinking"),
	}
}

func humanAction(obj map[string]any) Action {
	question := strings.TrimSpace(firstString(obj, "question", "message", "prompt"))
	if question == "" {
		return nil
	}
	ctx, _ := obj["context"].(map[string]any)
	return HumanRequestAction{Question: question, Context: ctx}
}

func firstKey(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneWith(obj map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[key] = value
	return out
}
