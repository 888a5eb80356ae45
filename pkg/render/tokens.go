// Package render implements the frame-tracking HUD renderer: the projection of
// frame history and live facet state into the message sequence an agent bridge
// hands to an LLM provider.
package render

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter wraps tiktoken-go's cl100k_base encoding as a close-enough
// approximation for budget accounting, with a len(text)/4 fallback if the
// encoder fails to load.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns a process-wide TokenCounter, lazily initialized
// on first use.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		defaultCounter = NewTokenCounter()
	})
	return defaultCounter
}

// NewTokenCounter builds a TokenCounter. If the cl100k_base encoding cannot be
// loaded, Count falls back to a character-based estimate rather than failing:
// token counts here are a soft budget signal, not something correctness depends
// on.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{encoder: nil}
	}
	return &TokenCounter{encoder: enc}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoder == nil {
		return len(text) / 4
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// CountAll sums Count across texts.
func (tc *TokenCounter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += tc.Count(t)
	}
	return total
}
