package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/llm"
	"github.com/nugget/supporthub/internal/prompts"
	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/tools"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

// blockingLLM waits for the context to end.
type blockingLLM struct{}

func (blockingLLM) Chat(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("post: %w", ctx.Err())
}

func (blockingLLM) Ping(context.Context) error { return nil }

func textResponse(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: s},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResponse(name, query string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:       "call-" + query,
				Function: llm.FunctionCall{Name: name, Arguments: map[string]any{"query": query}},
			}},
		},
		InputTokens:  10,
		OutputTokens: 3,
	}
}

func lookupRegistry(calls *[]string) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "search_knowledge_base",
		Description: "search",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			q, _ := args["query"].(string)
			*calls = append(*calls, q)
			if q == "pricing" {
				return "Basic ($9/month)", nil
			}
			return "No information found", nil
		},
	})
	return r
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, client llm.Client, reg *tools.Registry, cfg Config) *Gateway {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	g, err := NewGateway(client, reg, cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func userTranscript(msg string) []session.Turn {
	return []session.Turn{{Role: session.RoleUser, Content: msg}}
}

func TestNewGateway_RequiresClientAndModel(t *testing.T) {
	if _, err := NewGateway(nil, nil, Config{Model: "m"}, nil); err == nil {
		t.Error("nil client should be rejected")
	}
	if _, err := NewGateway(&mockLLM{}, nil, Config{Model: " "}, nil); err == nil {
		t.Error("blank model should be rejected")
	}
}

func TestGenerate_DirectReply(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("Our support hours are 9am-5pm")}}
	g := newTestGateway(t, mock, nil, Config{})

	transcript := []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
		{Role: session.RoleUser, Content: "What are your support hours?"},
	}
	reply, err := g.Generate(context.Background(), transcript)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Our support hours are 9am-5pm" {
		t.Errorf("Text = %q", reply.Text)
	}
	if !strings.HasPrefix(reply.RequestID, "r_") || len(reply.RequestID) != 10 {
		t.Errorf("RequestID = %q, want r_ + 8 chars", reply.RequestID)
	}

	sent := mock.calls[0].Messages
	if len(sent) != 4 || sent[0].Role != llm.RoleSystem {
		t.Fatalf("sent %d messages, want system + 3 turns", len(sent))
	}
	for i, turn := range transcript {
		if sent[i+1].Role != string(turn.Role) || sent[i+1].Content != turn.Content {
			t.Errorf("message %d = %+v, want %+v", i+1, sent[i+1], turn)
		}
	}
}

func TestGenerate_ToolLoop(t *testing.T) {
	var lookups []string
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse("search_knowledge_base", "pricing"),
		textResponse("The Basic plan is $9/month."),
	}}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	g := newTestGateway(t, mock, lookupRegistry(&lookups), Config{})
	g.SetEventBus(bus)

	reply, err := g.Generate(context.Background(), userTranscript("What does it cost?"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "The Basic plan is $9/month." {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.ToolCalls != 1 || reply.Iterations != 2 {
		t.Errorf("tool calls = %d, iterations = %d; want 1, 2", reply.ToolCalls, reply.Iterations)
	}
	if reply.InputTokens != 20 || reply.OutputTokens != 8 {
		t.Errorf("tokens = %d/%d, want 20/8", reply.InputTokens, reply.OutputTokens)
	}
	if len(lookups) != 1 || lookups[0] != "pricing" {
		t.Errorf("lookups = %v", lookups)
	}

	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.Content != "Basic ($9/month)" || last.ToolCallID != "call-pricing" {
		t.Errorf("tool result message = %+v", last)
	}
	if len(mock.calls[0].Tools) != 1 {
		t.Errorf("tools offered = %d, want 1", len(mock.calls[0].Tools))
	}

	kinds := map[string]int{}
	for len(ch) > 0 {
		kinds[(<-ch).Kind]++
	}
	if kinds[events.KindLLMCall] != 2 || kinds[events.KindToolCall] != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestGenerate_UnknownToolReportedToModel(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse("delete_account", "me"),
		textResponse("I can't do that."),
	}}
	g := newTestGateway(t, mock, tools.NewRegistry(), Config{})

	reply, err := g.Generate(context.Background(), userTranscript("delete me"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "I can't do that." {
		t.Errorf("Text = %q", reply.Text)
	}
	msgs := mock.calls[1].Messages
	if got := msgs[len(msgs)-1].Content; !strings.HasPrefix(got, "Error: ") {
		t.Errorf("tool result = %q, want error text", got)
	}
}

func TestGenerate_IterationLimitForcesFinalAnswer(t *testing.T) {
	var lookups []string
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse("search_knowledge_base", "a"),
		toolResponse("search_knowledge_base", "b"),
		textResponse("Here is what I found."),
	}}
	g := newTestGateway(t, mock, lookupRegistry(&lookups), Config{MaxToolIterations: 2})

	reply, err := g.Generate(context.Background(), userTranscript("help"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Here is what I found." {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(mock.calls))
	}
	final := mock.calls[2]
	if final.Tools != nil {
		t.Error("final call should disable tools")
	}
	if got := final.Messages[len(final.Messages)-1].Content; got != prompts.ToolLimitNudge {
		t.Errorf("final message = %q, want tool limit nudge", got)
	}
}

func TestGenerate_EmptyReplyNudge(t *testing.T) {
	var lookups []string
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse("search_knowledge_base", "pricing"),
		textResponse(""),
		textResponse("Basic is $9/month."),
	}}
	g := newTestGateway(t, mock, lookupRegistry(&lookups), Config{})

	reply, err := g.Generate(context.Background(), userTranscript("price?"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Basic is $9/month." {
		t.Errorf("Text = %q", reply.Text)
	}
	msgs := mock.calls[2].Messages
	if got := msgs[len(msgs)-1].Content; got != prompts.EmptyResponseNudge {
		t.Errorf("nudge message = %q", got)
	}
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name      string
		client    llm.Client
		timeout   time.Duration
		wantCause error
	}{
		{
			name:      "backend error",
			client:    &mockLLM{err: errors.New("openai API error 401: bad key")},
			wantCause: nil,
		},
		{
			name:   "empty reply",
			client: &mockLLM{responses: []*llm.ChatResponse{textResponse("   ")}},
		},
		{
			name:      "deadline",
			client:    blockingLLM{},
			timeout:   20 * time.Millisecond,
			wantCause: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, tt.client, nil, Config{Timeout: tt.timeout})
			reply, err := g.Generate(context.Background(), userTranscript("hello"))
			if reply != nil {
				t.Errorf("reply = %+v, want nil", reply)
			}
			if !errors.Is(err, ErrReasoningFailure) {
				t.Fatalf("err = %v, want ErrReasoningFailure", err)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("err = %v, want cause %v", err, tt.wantCause)
			}
		})
	}
}

func TestGenerate_EmptyTranscript(t *testing.T) {
	g := newTestGateway(t, &mockLLM{}, nil, Config{})
	if _, err := g.Generate(context.Background(), nil); !errors.Is(err, ErrReasoningFailure) {
		t.Errorf("err = %v, want ErrReasoningFailure", err)
	}
}

func TestNewGateway_CustomInstructions(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("ok")}}
	g := newTestGateway(t, mock, nil, Config{Instructions: "Answer in French."})
	if _, err := g.Generate(context.Background(), userTranscript("hi")); err != nil {
		t.Fatal(err)
	}
	if got := mock.calls[0].Messages[0].Content; got != "Answer in French." {
		t.Errorf("system prompt = %q", got)
	}
}
