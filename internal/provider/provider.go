// Package provider defines the upstream chat completion interface the
// meter proxies to.
package provider

import (
	"context"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	UserID      string
	RequestID   string
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Text joins message contents for token estimation.
func (r *Request) Text() string {
	var n int
	for _, m := range r.Messages {
		n += len(m.Content) + 1
	}
	b := make([]byte, 0, n)
	for _, m := range r.Messages {
		b = append(b, m.Content...)
		b = append(b, '\n')
	}
	return string(b)
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int64
	OutputTokens int64
	Model        string
	Provider     string
	LatencyMs    int64
}

// Usage is the token count some providers send at the end of a stream.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Chunk struct {
	Delta string
	Usage *Usage
	Done  bool
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}
