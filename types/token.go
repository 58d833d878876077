package types

// TokenUsage represents token consumption statistics.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add adds another TokenUsage to this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// TokenCounter is the minimal token counting interface.
type TokenCounter interface {
	CountTokens(text string) int
}

// EstimateTokenizer provides a simple character-based token estimation.
type EstimateTokenizer struct {
	charsPerToken float64
}

// NewEstimateTokenizer creates a new EstimateTokenizer.
func NewEstimateTokenizer() *EstimateTokenizer {
	return &EstimateTokenizer{charsPerToken: 4.0}
}

// CountTokens counts tokens in text. CJK characters are weighted heavier
// than latin ones.
func (t *EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjkCount, otherCount int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjkCount++
		} else {
			otherCount++
		}
	}
	tokens := float64(cjkCount)/1.5 + float64(otherCount)/t.charsPerToken
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}

// EstimateUsage builds a TokenUsage from prompt and completion text.
func EstimateUsage(counter TokenCounter, prompt, completion string) TokenUsage {
	p := counter.CountTokens(prompt)
	c := counter.CountTokens(completion)
	return TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
