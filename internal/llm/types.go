// Package llm talks to the reasoning backend. Two providers are
// supported: any OpenAI-compatible chat completions endpoint (OpenAI,
// vLLM, Ollama's /v1 surface, LM Studio) and the Anthropic Messages API.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the provider-neutral result of one completion.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	// Duration is wall time spent waiting on the provider.
	Duration time.Duration
}
