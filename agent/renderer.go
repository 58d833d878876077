package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/types"
)

// Agent describes who is running a task.
type Agent struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Model        string `json:"model" yaml:"model"`
	// Tools restricts which registered tools may be called. Empty allows all.
	Tools         []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Allows reports whether the agent may call tool.
func (a *Agent) Allows(tool string) bool {
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Task is the unit of work handed to an agent.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
}

// PromptRenderer builds the prompt for the next LLM call. Implementations
// must be pure functions of their inputs.
type PromptRenderer interface {
	Render(log *eventlog.EventLog, agent *Agent, task *Task, tools []types.ToolSchema) (string, error)
}

// RendererFunc adapts a function to PromptRenderer.
type RendererFunc func(log *eventlog.EventLog, agent *Agent, task *Task, tools []types.ToolSchema) (string, error)

func (f RendererFunc) Render(log *eventlog.EventLog, agent *Agent, task *Task, tools []types.ToolSchema) (string, error) {
	return f(log, agent, task, tools)
}

const defaultPromptTemplate = `{{.Agent.SystemPrompt}}

## Task
{{.Task.Description}}
{{- if .Task.Input}}

Input:
{{json .Task.Input}}
{{- end}}

## Tools
{{- range .Tools}}
- {{.Name}}: {{.Description}}{{if .HasParameters}} parameters: {{printf "%s" .Parameters}}{{end}}
{{- else}}
(none)
{{- end}}

## Respond
Reply with exactly one JSON object:
{"action": "tool_call", "tool": "<name>", "args": {...}, "reasoning": "..."}
{"action": "finish", "result": ..., "reasoning": "..."}
{"action": "human_request", "question": "..."}
{{- if .History}}

## History
{{- range .History}}
{{.}}
{{- end}}
{{- end}}
`

// DefaultRenderer renders a text/template prompt listing the task, the
// available tools and a one-line summary of every prior event.
type DefaultRenderer struct {
	tmpl *template.Template
	// MaxValueLen truncates long payload values in the history.
	MaxValueLen int
}

// NewDefaultRenderer parses the built-in template.
func NewDefaultRenderer() *DefaultRenderer {
	r, err := NewTemplateRenderer(defaultPromptTemplate)
	if err != nil {
		panic(fmt.Sprintf("agent: default prompt template: %v", err))
	}
	return r
}

// NewTemplateRenderer parses a custom template. The template sees .Agent,
// .Task, .Tools and .History (one line per event) and a json function.
func NewTemplateRenderer(text string) (*DefaultRenderer, error) {
	tmpl, err := template.New("prompt").Funcs(template.FuncMap{
		"json": func(v any) string {
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(b)
		},
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &DefaultRenderer{tmpl: tmpl, MaxValueLen: 500}, nil
}

type promptData struct {
	Agent   *Agent
	Task    *Task
	Tools   []types.ToolSchema
	History []string
}

// Render implements PromptRenderer.
func (r *DefaultRenderer) Render(log *eventlog.EventLog, agent *Agent, task *Task, tools []types.ToolSchema) (string, error) {
	if agent == nil || task == nil {
		return "", types.NewError(types.ErrInvalidRequest, "agent and task are required")
	}

	data := promptData{Agent: agent, Task: task, Tools: tools}
	if log != nil {
		for _, e := range log.Events() {
			if line := r.describe(e); line != "" {
				data.History = append(data.History, line)
			}
		}
	}

	var b strings.Builder
	if err := r.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// describe renders one event. Prompts and task markers are omitted since
// they repeat what the template already shows.
func (r *DefaultRenderer) describe(e eventlog.Event) string {
	switch e.Type {
	case eventlog.EventTaskStart, eventlog.EventLLMCall:
		return ""
	case eventlog.EventLLMResponse:
		return "assistant: " + r.clip(e.String(eventlog.KeyContent))
	case eventlog.EventToolCall:
		return fmt.Sprintf("tool call %s %s", e.String(eventlog.KeyTool), r.clip(r.encode(e.Data[eventlog.KeyArgs])))
	case eventlog.EventToolResult:
		if e.Bool(eventlog.KeySuccess, false) {
			return fmt.Sprintf("tool result %s: %s", e.String(eventlog.KeyTool), r.clip(r.encode(e.Data[eventlog.KeyResult])))
		}
		return fmt.Sprintf("tool error %s: %s", e.String(eventlog.KeyTool), r.clip(e.String(eventlog.KeyError)))
	case eventlog.EventError:
		return fmt.Sprintf("error [%s]: %s", e.String(eventlog.KeyErrorType), r.clip(e.String(eventlog.KeyMessage)))
	case eventlog.EventHumanRequest:
		return "asked human: " + r.clip(e.String(eventlog.KeyQuestion))
	case eventlog.EventHumanResponse:
		return "human: " + r.clip(e.String(eventlog.KeyAnswer))
	case eventlog.EventCompacted:
		return "earlier: " + r.clip(e.String(eventlog.KeySummary))
	default:
		return fmt.Sprintf("%s %s", e.Type, r.clip(r.encode(e.Data)))
	}
}

func (r *DefaultRenderer) encode(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (r *DefaultRenderer) clip(s string) string {
	if r.MaxValueLen <= 0 || len(s) <= r.MaxValueLen {
		return s
	}
	return s[:r.MaxValueLen] + "..."
}
