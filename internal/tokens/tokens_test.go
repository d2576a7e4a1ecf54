package tokens

import (
	"errors"
	"strings"
	"testing"
)

type mockTokenizer struct {
	countFunc func(model, text string) (int64, error)
}

func (m *mockTokenizer) Count(model, text string) (int64, error) {
	return m.countFunc(model, text)
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"héllo", 2},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCounter_UsesPreciseTokenizer(t *testing.T) {
	c := NewCounter(&mockTokenizer{countFunc: func(model, text string) (int64, error) {
		return 7, nil
	}}, nil)

	if got := c.Count("gpt-4o", "hello"); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
}

func TestCounter_FallsBackOnError(t *testing.T) {
	c := NewCounter(&mockTokenizer{countFunc: func(model, text string) (int64, error) {
		return 0, errors.New("unknown encoding")
	}}, nil)

	if got := c.Count("gpt-4o", "abcdefgh"); got != 2 {
		t.Errorf("Expected fallback 2, got %d", got)
	}
}

func TestCounter_FallsBackOnPanic(t *testing.T) {
	c := NewCounter(&mockTokenizer{countFunc: func(model, text string) (int64, error) {
		panic("boom")
	}}, nil)

	if got := c.Count("gpt-4o", "abcdefgh"); got != 2 {
		t.Errorf("Expected fallback 2, got %d", got)
	}
}

func TestCounter_NilUsesEstimate(t *testing.T) {
	var c *Counter
	if got := c.Count("", "abcde"); got != 2 {
		t.Errorf("Expected 2, got %d", got)
	}
}
