// Package llm talks to the language-model backend.
package llm

import "context"

// Client is a model backend. One Chat call is one round trip to the
// model; the caller owns the message sequence.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
