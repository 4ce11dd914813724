// Package tokens provides accurate token counting for schema budgeting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with a model-specific encoding.
//
// Used to estimate the context cost of tool schemas so the router can
// enforce its token budget with real numbers instead of char/4 guesses.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for a specific model.
// Unknown models fall back to cl100k_base.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{
			encoding: cached,
			model:    model,
		}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{
		encoding: encoding,
		model:    model,
	}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate counts tokens when a counter is available and falls back to a
// rough chars/4 estimate when it is not.
func (c *Counter) Estimate(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return c.Count(text)
}

// Estimate provides a rough token estimation: 4 characters per token.
func Estimate(text string) int {
	return len(text) / 4
}
