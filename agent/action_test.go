package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// ParseAction
// ---------------------------------------------------------------------------

func TestParseAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{
			name: "tool call",
			raw:  `{"action":"tool_call","tool":"search","args":{"q":"go"},"reasoning":"look it up"}`,
			want: ToolCallAction{Tool: "search", Args: map[string]any{"q": "go"}, Reasoning: "look it up"},
		},
		{
			name: "tool name as verb",
			raw:  `{"action":"search","args":{"q":"go"}}`,
			want: ToolCallAction{Tool: "search", Args: map[string]any{"q": "go"}},
		},
		{
			name: "tool inferred from keys",
			raw:  `{"tool_name":"calc","arguments":"{\"x\":1}"}`,
			want: ToolCallAction{Tool: "calc", Args: map[string]any{"x": float64(1)}},
		},
		{
			name: "scalar args are wrapped",
			raw:  `{"action":"tool_call","tool":"shout","args":"hello"}`,
			want: ToolCallAction{Tool: "shout", Args: map[string]any{"input": "hello"}},
		},
		{
			name: "missing args become empty",
			raw:  `{"action":"tool_call","tool":"now"}`,
			want: ToolCallAction{Tool: "now", Args: map[string]any{}},
		},
		{
			name: "finish",
			raw:  `{"action":"finish","result":42,"reasoning":"computed"}`,
			want: FinishAction{Result: float64(42), Reasoning: "computed"},
		},
		{
			name: "final answer key",
			raw:  `{"final_answer":"Paris"}`,
			want: FinishAction{Result: "Paris"},
		},
		{
			name: "human request",
			raw:  `{"action":"human_request","question":"Which city?","context":{"options":2}}`,
			want: HumanRequestAction{Question: "Which city?", Context: map[string]any{"options": float64(2)}},
		},
		{
			name: "question key",
			raw:  `{"question":"Continue?"}`,
			want: HumanRequestAction{Question: "Continue?"},
		},
		{
			name: "embedded in prose",
			raw:  "I will search.\n```json\n{\"action\":\"tool_call\",\"tool\":\"search\",\"args\":{\"q\":\"}\"}}\n```",
			want: ToolCallAction{Tool: "search", Args: map[string]any{"q": "}"}},
		},
		{
			name: "first usable object wins",
			raw:  `notes {"foo":1} then {"action":"finish","result":"ok"} and {"action":"finish","result":"late"}`,
			want: FinishAction{Result: "ok"},
		},
		{
			name: "nested object inside prose",
			raw:  `answer: {"action":"finish","result":{"a":[1,{"b":2}]}}.`,
			want: FinishAction{Result: map[string]any{"a": []any{float64(1), map[string]any{"b": float64(2)}}}},
		},
		{
			name: "plain text is the answer",
			raw:  "The capital of France is Paris.",
			want: FinishAction{Result: "The capital of France is Paris."},
		},
		{
			name: "unrecognized object is the answer",
			raw:  `{"foo":"bar"}`,
			want: FinishAction{Result: `{"foo":"bar"}`},
		},
		{
			name: "broken json is the answer",
			raw:  `{"action":"tool_call","tool":`,
			want: FinishAction{Result: `{"action":"tool_call","tool":`},
		},
		{
			name: "empty",
			raw:  "",
			want: FinishAction{Result: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAction(tt.raw))
		})
	}
}

func TestParseAction_Kinds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ActionToolCall, ParseAction(`{"tool":"x"}`).Kind())
	assert.Equal(t, ActionFinish, ParseAction(`done`).Kind())
	assert.Equal(t, ActionHumanRequest, ParseAction(`{"question":"?"}`).Kind())
}

func TestProperty_ParseActionIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.OneOf(
			rapid.String(),
			rapid.StringMatching(`[{}\[\]":,a-z ]{0,40}`),
		).Draw(t, "raw")

		a := ParseAction(raw)
		if a == nil {
			t.Fatalf("nil action for %q", raw)
		}
		switch a.Kind() {
		case ActionToolCall, ActionFinish, ActionHumanRequest:
		default:
			t.Fatalf("unknown kind %q", a.Kind())
		}
	})
}

func TestProperty_TextWithoutObjectIsAnswer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.StringMatching(`[^{]{0,60}`).Draw(t, "raw")
		if got := ParseAction(raw); got != (FinishAction{Result: raw}) {
			t.Fatalf("got %#v for %q", got, raw)
		}
	})
}

func TestProperty_ToolCallSurvivesProse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tool := rapid.StringMatching(`[a-z][a-z_]{0,12}`).Draw(t, "tool")
		value := rapid.String().Draw(t, "value")
		prefix := rapid.StringMatching(`[A-Za-z .!?]{0,30}`).Draw(t, "prefix")

		obj, err := json.Marshal(map[string]any{
			"action": "tool_call",
			"tool":   tool,
			"args":   map[string]any{"v": value},
		})
		require.NoError(t, err)

		got, ok := ParseAction(prefix + " " + string(obj) + " ok").(ToolCallAction)
		if !ok {
			t.Fatalf("expected tool call for %s", obj)
		}
		if got.Tool != tool || got.Args["v"] != value {
			t.Fatalf("got %+v", got)
		}
	})
}
