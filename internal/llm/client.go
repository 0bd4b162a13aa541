package llm

import "context"

// Client is the interface that all reasoning providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools uses the OpenAI function schema; nil disables tool calling.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Options configures a provider client.
type Options struct {
	BaseURL   string
	APIKey    string
	MaxTokens int
}
