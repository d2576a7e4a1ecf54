// Package tokens estimates token counts for text.
package tokens

import (
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// CharsPerToken is the ratio used by the heuristic estimate.
const CharsPerToken = 4

type Tokenizer interface {
	Count(model, text string) (int64, error)
}

// Heuristic estimates ceil(chars/4). It never fails.
type Heuristic struct{}

func (Heuristic) Count(_, text string) (int64, error) {
	return Estimate(text), nil
}

// Estimate returns ceil(runes/4) for text.
func Estimate(text string) int64 {
	return EstimateChars(int64(utf8.RuneCountInString(text)))
}

func EstimateChars(chars int64) int64 {
	if chars <= 0 {
		return 0
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// Counter prefers a precise tokenizer and falls back to the heuristic when it
// errors or panics.
type Counter struct {
	precise Tokenizer
	logger  *slog.Logger
}

// NewCounter returns a Counter. precise may be nil.
func NewCounter(precise Tokenizer, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{precise: precise, logger: logger}
}

func (c *Counter) Count(model, text string) int64 {
	if c == nil || c.precise == nil {
		return Estimate(text)
	}
	n, err := c.safeCount(model, text)
	if err != nil {
		c.logger.Warn("tokenizer failed, using estimate", "model", model, "error", err)
		return Estimate(text)
	}
	return n
}

func (c *Counter) safeCount(model, text string) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	return c.precise.Count(model, text)
}
