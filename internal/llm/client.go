// Package llm talks to chat model providers. Each provider converts
// between its own wire format and the neutral [Message] and
// [ChatResponse] types; a [Router] picks the provider per model.
package llm

import "context"

// Client is one chat model provider.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping reports whether the provider is reachable.
	Ping(ctx context.Context) error
}
