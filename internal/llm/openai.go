package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/supporthub/internal/httpkit"
)

// OpenAIClient speaks the OpenAI chat completions protocol. Any server
// exposing a compatible /chat/completions endpoint works.
type OpenAIClient struct {
	client    *openai.Client
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(opts Options, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	// Completions may take a long time before headers arrive. The
	// gateway's context deadline bounds the call instead.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		maxTokens: opts.MaxTokens,
		logger:    logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertToOpenAI(messages),
		Tools:     convertToolsToOpenAI(tools),
		MaxTokens: c.maxTokens,
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if data, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(data))
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("API error", "status", apiErr.HTTPStatusCode, "message", apiErr.Message)
			return nil, fmt.Errorf("openai API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response contained no choices")
	}

	result := convertFromOpenAI(resp)
	result.Duration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"elapsed", result.Duration.Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping lists models to verify the endpoint and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for i, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				raw = []byte("{}")
			}
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   id,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(raw),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}

	var result []openai.Tool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return result
}

func convertFromOpenAI(resp openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0].Message

	var toolCalls []ToolCall
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	role := choice.Role
	if role == "" {
		role = RoleAssistant
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      role,
			Content:   choice.Content,
			ToolCalls: toolCalls,
		},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}
