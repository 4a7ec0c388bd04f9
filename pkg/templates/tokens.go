package templates

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter measures prompt sizes so they can be clamped to an
// agent's configured token cap before the provider call.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model name. Every
// provider model is approximated with the GPT-4 encoding; the counts
// feed a clamp, not billing, so the approximation is acceptable.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token).
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}

	return count
}

// WithinLimit reports whether text fits in the given token budget.
// A non-positive limit means unbounded.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	if limit <= 0 {
		return true
	}
	return tc.CountTokens(text) <= limit
}

// TruncateToTokenLimit clamps text to the given token budget. The cut
// is proportional by characters rather than exact token boundaries,
// with a safety margin, so the result is guaranteed under the limit
// without a re-encode loop.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9)

	if charLimit >= len(text) {
		return text
	}
	if charLimit < 0 {
		charLimit = 0
	}

	return text[:charLimit] + "..."
}
