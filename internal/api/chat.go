package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/supporthub/internal/agent"
	"github.com/nugget/supporthub/internal/chat"
	"github.com/nugget/supporthub/internal/ticket"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserMessage string  `json:"user_message"`
	SessionID   *string `json:"session_id"`
}

// ChatResponse is the reply to POST /chat. Tickets are never opened by
// the chat endpoint, so TicketCreated is always false.
type ChatResponse struct {
	Response      string  `json:"response"`
	TicketCreated bool    `json:"ticket_created"`
	TicketID      *string `json:"ticket_id"`
	SessionID     string  `json:"session_id"`
	Timestamp     string  `json:"timestamp"`
}

// TicketRequest is the body of POST /ticket.
type TicketRequest struct {
	UserMessage string  `json:"user_message"`
	AIResponse  string  `json:"ai_response"`
	UserEmail   *string `json:"user_email"`
	Priority    string  `json:"priority"`
	SessionID   string  `json:"session_id,omitempty"`
}

// TicketResponse is the reply to POST /ticket.
type TicketResponse struct {
	TicketID  string `json:"ticket_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
}

// chatStatus maps an orchestrator error to an HTTP status.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrReasoningFailure):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// chatErrorMessage is the client-facing text for a chat failure.
// Backend details stay in the server log.
func chatErrorMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusGatewayTimeout:
		return "the assistant took too long to respond"
	case http.StatusBadGateway:
		return "the assistant is unavailable, please try again or open a support ticket"
	default:
		return "internal server error"
	}
}

func newChatResponse(res *chat.Result) ChatResponse {
	return ChatResponse{
		Response:  res.Reply,
		SessionID: res.SessionID,
		Timestamp: res.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var sessionID string
	if req.SessionID != nil {
		sessionID = strings.TrimSpace(*req.SessionID)
	}

	res, err := s.chat.Process(r.Context(), req.UserMessage, sessionID)
	if err != nil {
		status := chatStatus(err)
		if status >= 500 {
			s.logger.Error("chat failed", "session", sessionID, "status", status, "error", err)
		}
		s.errorResponse(w, status, chatErrorMessage(status, err))
		return
	}

	s.ok(w, http.StatusOK, newChatResponse(res))
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	var req TicketRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_message is required")
		return
	}

	var email string
	if req.UserEmail != nil {
		email = *req.UserEmail
	}

	t, err := s.tickets.Create(r.Context(), ticket.Request{
		UserMessage: req.UserMessage,
		AIResponse:  req.AIResponse,
		UserEmail:   email,
		SessionID:   req.SessionID,
		Priority:    req.Priority,
	})
	if err != nil {
		s.logger.Error("ticket creation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create ticket")
		return
	}

	s.ok(w, http.StatusOK, TicketResponse{
		TicketID:  t.ID,
		Status:    t.Status,
		Priority:  t.Priority,
		CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
	})
}
