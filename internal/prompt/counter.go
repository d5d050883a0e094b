package prompt

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter measures text against the prompt budget.
type Counter interface {
	Count(text string) int
	Unit() string
}

// CharCounter counts Unicode code points.
type CharCounter struct{}

// Count returns the number of runes in text.
func (CharCounter) Count(text string) int { return utf8.RuneCountInString(text) }

// Unit returns "chars".
func (CharCounter) Unit() string { return "chars" }

// TokenCounter counts tiktoken tokens. When the encoding cannot be loaded it
// falls back to an estimate of four characters per token.
type TokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	err      error
}

// NewTokenCounter creates a counter for the named encoding (e.g. cl100k_base).
// The encoding is loaded lazily on first use.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Unit returns "tokens".
func (c *TokenCounter) Unit() string { return "tokens" }

// Err reports why the encoder could not be loaded, if it could not.
func (c *TokenCounter) Err() error {
	c.Count("")
	return c.err
}

func estimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NewCounter returns the counter for a budget unit.
func NewCounter(unit, encoding string) Counter {
	if unit == "tokens" {
		return NewTokenCounter(encoding)
	}
	return CharCounter{}
}
