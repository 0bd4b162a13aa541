// Package agent is the reasoning gateway: it hands a conversation
// transcript to the configured reasoning backend, runs any knowledge
// base lookups the model asks for, and returns the model's final reply.
// Callers never see the intermediate tool calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/llm"
	"github.com/nugget/supporthub/internal/prompts"
	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/tools"
)

// ErrReasoningFailure wraps every failure to obtain a reply: network,
// auth, backend errors, deadline expiry and empty answers.
var ErrReasoningFailure = errors.New("reasoning failure")

// DefaultMaxToolIterations bounds tool-call rounds when Config leaves it
// unset.
const DefaultMaxToolIterations = 5

// Config holds the startup configuration of a Gateway.
type Config struct {
	Model string

	// Instructions is the system prompt. Empty uses the built-in
	// support instructions.
	Instructions string

	// MaxToolIterations bounds tool-call rounds before a final call is
	// made with tools disabled.
	MaxToolIterations int

	// Timeout bounds one Generate call end to end. Zero disables it.
	Timeout time.Duration
}

// Reply is the outcome of one Generate call.
type Reply struct {
	Text         string
	Model        string
	RequestID    string
	InputTokens  int
	OutputTokens int
	Iterations   int
	ToolCalls    int
	Elapsed      time.Duration
}

// Gateway submits transcripts to the reasoning backend.
type Gateway struct {
	client       llm.Client
	tools        *tools.Registry
	model        string
	instructions string
	maxIter      int
	timeout      time.Duration
	logger       *slog.Logger
	events       *events.Bus
}

// NewGateway creates a gateway. A missing client or model is a
// configuration error.
func NewGateway(client llm.Client, registry *tools.Registry, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("reasoning client is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("reasoning model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxToolIterations
	}

	var toolName string
	if names := registry.Names(); len(names) > 0 {
		toolName = names[0]
	}

	return &Gateway{
		client:       client,
		tools:        registry,
		model:        cfg.Model,
		instructions: prompts.SupportInstructions(toolName, cfg.Instructions),
		maxIter:      maxIter,
		timeout:      cfg.Timeout,
		logger:       logger.With("component", "gateway"),
	}, nil
}

// SetEventBus attaches an event bus for llm_call and tool_call events.
func (g *Gateway) SetEventBus(b *events.Bus) {
	g.events = b
}

// Model returns the configured model identifier.
func (g *Gateway) Model() string {
	return g.model
}

// Ping checks the reasoning backend is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx)
}

// Generate returns the model's reply to transcript, whose last turn is
// normally the user's newest message.
func (g *Gateway) Generate(ctx context.Context, transcript []session.Turn) (*Reply, error) {
	if len(transcript) == 0 {
		return nil, fmt.Errorf("%w: empty transcript", ErrReasoningFailure)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	reply := &Reply{
		Model:     g.model,
		RequestID: generateRequestID(),
	}
	log := g.logger.With("request_id", reply.RequestID)

	msgs := make([]llm.Message, 0, len(transcript)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: g.instructions})
	for _, t := range transcript {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}

	toolDefs := g.tools.List()
	nudged := false

	for iter := 0; iter < g.maxIter; iter++ {
		resp, err := g.call(ctx, log, reply, iter, msgs, toolDefs)
		if err != nil {
			return nil, err
		}

		if len(resp.Message.ToolCalls) > 0 {
			calls := withCallIDs(resp.Message.ToolCalls)
			msgs = append(msgs, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Message.Content,
				ToolCalls: calls,
			})
			msgs = append(msgs, g.runTools(ctx, log, reply, calls)...)
			continue
		}

		text := strings.TrimSpace(resp.Message.Content)
		if text == "" {
			if reply.ToolCalls > 0 && !nudged {
				log.Debug("empty reply after tool calls, nudging", "iter", iter)
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
				nudged = true
				continue
			}
			return nil, fmt.Errorf("%w: backend returned an empty reply", ErrReasoningFailure)
		}

		return g.finish(log, reply, text, start), nil
	}

	log.Warn("tool iteration limit reached, requesting final answer", "max_iterations", g.maxIter)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.ToolLimitNudge})
	resp, err := g.call(ctx, log, reply, g.maxIter, msgs, nil)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: backend returned an empty reply after %d tool rounds", ErrReasoningFailure, g.maxIter)
	}
	return g.finish(log, reply, text, start), nil
}

func (g *Gateway) call(ctx context.Context, log *slog.Logger, reply *Reply, iter int, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	log.Debug("calling reasoning backend", "iter", iter, "messages", len(msgs), "tools", len(toolDefs))

	resp, err := g.client.Chat(ctx, g.model, msgs, toolDefs)
	reply.Iterations++
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		log.Error("reasoning backend call failed", "iter", iter, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReasoningFailure, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: backend returned no response", ErrReasoningFailure)
	}

	reply.InputTokens += resp.InputTokens
	reply.OutputTokens += resp.OutputTokens
	if resp.Model != "" {
		reply.Model = resp.Model
	}

	g.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": reply.RequestID,
		"iter":       iter,
		"model":      reply.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
	return resp, nil
}

// runTools executes each requested call and returns the tool messages
// to feed back. Tool errors are reported to the model as text.
func (g *Gateway) runTools(ctx context.Context, log *slog.Logger, reply *Reply, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, 0, len(calls))
	for _, tc := range calls {
		reply.ToolCalls++
		name := tc.Function.Name

		start := time.Now()
		result, err := g.tools.Call(ctx, name, tc.Function.Arguments)
		elapsed := time.Since(start)

		if err != nil {
			var unavailable *tools.ErrToolUnavailable
			if errors.As(err, &unavailable) {
				log.Warn("model requested unknown tool", "tool", name)
			} else {
				log.Warn("tool call failed", "tool", name, "error", err)
			}
			result = "Error: " + err.Error()
		} else {
			log.Debug("tool call complete", "tool", name, "result_len", len(result), "elapsed", elapsed.Round(time.Millisecond))
		}

		g.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id":  reply.RequestID,
			"tool":        name,
			"ok":          err == nil,
			"duration_ms": elapsed.Milliseconds(),
		})

		out = append(out, llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: tc.ID})
	}
	return out
}

// withCallIDs fills missing call ids so tool results can be correlated.
func withCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
		}
		out[i] = tc
	}
	return out
}

func (g *Gateway) finish(log *slog.Logger, reply *Reply, text string, start time.Time) *Reply {
	reply.Text = text
	reply.Elapsed = time.Since(start)
	log.Info("reasoning complete",
		"model", reply.Model,
		"iterations", reply.Iterations,
		"tool_calls", reply.ToolCalls,
		"tokens_in", reply.InputTokens,
		"tokens_out", reply.OutputTokens,
		"elapsed", reply.Elapsed.Round(time.Millisecond),
	)
	return reply
}

// generateRequestID returns a short correlation id for log lines.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
