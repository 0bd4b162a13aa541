// Package chat is the conversation orchestrator. It validates an inbound
// message, serializes it against its session, asks the reasoning gateway
// for a reply and records both turns. It never decides escalation;
// callers open tickets through the ticket package.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/supporthub/internal/agent"
	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/usage"
)

// MaxMessageLength is the longest accepted user message, in characters
// (Unicode code points).
const MaxMessageLength = 1000

// ErrInvalidInput is returned for an empty or oversized message. Nothing
// is recorded when it is returned.
var ErrInvalidInput = errors.New("invalid input")

// Channels identify where a message arrived from in usage records.
const (
	ChannelHTTP      = "http"
	ChannelWebSocket = "websocket"
	ChannelCLI       = "cli"
)

// Generator produces the assistant's reply to a transcript.
// *agent.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, transcript []session.Turn) (*agent.Reply, error)
}

// UsageRecorder persists token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Result is the outcome of one processed message.
type Result struct {
	Reply        string
	SessionID    string
	RequestID    string
	Model        string
	Timestamp    time.Time
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// Service processes user messages against the session store.
type Service struct {
	sessions *session.Store
	gen      Generator
	logger   *slog.Logger
	events   *events.Bus

	usage    UsageRecorder
	provider string
	pricing  map[string]config.PricingEntry

	now func() time.Time
}

// NewService creates an orchestrator over sessions and gen.
func NewService(sessions *session.Store, gen Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		gen:      gen,
		logger:   logger.With("component", "chat"),
		now:      time.Now,
	}
}

// SetEventBus attaches an event bus for message events.
func (s *Service) SetEventBus(b *events.Bus) {
	s.events = b
}

// SetUsage enables usage recording. Cost is computed from pricing.
func (s *Service) SetUsage(rec UsageRecorder, provider string, pricing map[string]config.PricingEntry) {
	s.usage = rec
	s.provider = provider
	s.pricing = pricing
}

// Validate reports whether msg is acceptable. It returns an error
// wrapping ErrInvalidInput otherwise.
func Validate(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("%w: message must not be empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(msg); n > MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInput, n, MaxMessageLength)
	}
	return nil
}

// Process handles a message arriving over HTTP. An empty sessionID
// starts a new session.
func (s *Service) Process(ctx context.Context, msg, sessionID string) (*Result, error) {
	return s.ProcessFrom(ctx, ChannelHTTP, msg, sessionID)
}

// ProcessFrom handles a message arriving over channel. The user turn is
// kept even when the gateway fails; the assistant turn is appended only
// on success. Messages on the same session are handled one at a time.
func (s *Service) ProcessFrom(ctx context.Context, channel, msg, sessionID string) (*Result, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := s.logger.With("session", sessionID)

	x, err := s.sessions.Begin(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	defer x.Release()

	if err := x.Append(session.Turn{Role: session.RoleUser, Content: msg}); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}

	transcript := x.Transcript()
	log.Debug("processing message", "channel", channel, "turns", len(transcript), "chars", utf8.RuneCountInString(msg))
	log.Log(ctx, config.LevelTrace, "user message", "content", msg)

	reply, err := s.gen.Generate(ctx, transcript)
	if err != nil {
		log.Warn("message failed", "error", err)
		s.events.Emit(events.SourceChat, events.KindMessageFailed, map[string]any{
			"session_id": sessionID,
			"channel":    channel,
			"error":      err.Error(),
		})
		return nil, err
	}

	now := s.now()
	if err := x.Append(session.Turn{Role: session.RoleAssistant, Content: reply.Text, Timestamp: now}); err != nil {
		return nil, fmt.Errorf("record assistant turn: %w", err)
	}

	log.Info("message processed",
		"channel", channel,
		"request_id", reply.RequestID,
		"model", reply.Model,
		"tool_calls", reply.ToolCalls,
		"elapsed", reply.Elapsed.Round(time.Millisecond),
	)
	s.events.Emit(events.SourceChat, events.KindMessageProcessed, map[string]any{
		"session_id": sessionID,
		"request_id": reply.RequestID,
		"channel":    channel,
		"model":      reply.Model,
		"tokens_in":  reply.InputTokens,
		"tokens_out": reply.OutputTokens,
		"tool_calls": reply.ToolCalls,
		"elapsed_ms": reply.Elapsed.Milliseconds(),
	})
	s.recordUsage(ctx, log, channel, sessionID, reply, now)

	return &Result{
		Reply:        reply.Text,
		SessionID:    sessionID,
		RequestID:    reply.RequestID,
		Model:        reply.Model,
		Timestamp:    now,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		ToolCalls:    reply.ToolCalls,
	}, nil
}

// recordUsage writes a usage record. Failures are logged and do not
// affect the reply.
func (s *Service) recordUsage(ctx context.Context, log *slog.Logger, channel, sessionID string, reply *agent.Reply, at time.Time) {
	if s.usage == nil {
		return
	}
	rec := usage.Record{
		Timestamp:    at,
		RequestID:    reply.RequestID,
		SessionID:    sessionID,
		Model:        reply.Model,
		Provider:     s.provider,
		Channel:      channel,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		ToolCalls:    reply.ToolCalls,
		CostUSD:      usage.ComputeCost(reply.Model, reply.InputTokens, reply.OutputTokens, s.pricing),
	}
	if err := s.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}
