package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/ticket"
	"github.com/nugget/supporthub/internal/usage"
)

func (s *Server) handleTicketList(w http.ResponseWriter, r *http.Request) {
	store := s.tickets.Store()
	recent, err := store.Recent(queryInt(r, "limit", 20, 500))
	if err != nil {
		s.logger.Error("list tickets failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read tickets")
		return
	}
	if recent == nil {
		recent = []ticket.Ticket{}
	}
	s.ok(w, http.StatusOK, map[string]any{"tickets": recent, "count": len(recent)})
}

func (s *Server) handleTicketGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tickets.Store().Get(r.PathValue("id"))
	if errors.Is(err, ticket.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		s.logger.Error("get ticket failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read tickets")
		return
	}
	s.ok(w, http.StatusOK, t)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	infos := s.sessions.List()
	if infos == nil {
		infos = []session.Info{}
	}
	s.ok(w, http.StatusOK, map[string]any{
		"stats":    s.sessions.Stats(),
		"sessions": infos,
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, ok := s.sessions.Transcript(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.ok(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

// AnalyticsResponse is the reply to GET /v1/analytics.
type AnalyticsResponse struct {
	Sessions      session.Stats   `json:"sessions"`
	TicketCount   int             `json:"ticket_count"`
	RecentTickets []ticket.Ticket `json:"recent_tickets"`
	Usage         *UsageReport    `json:"usage,omitempty"`
}

// UsageReport aggregates recorded token usage over a trailing window.
type UsageReport struct {
	Days      int                       `json:"days"`
	Total     *usage.Summary            `json:"total"`
	ByModel   map[string]*usage.Summary `json:"by_model"`
	ByChannel map[string]*usage.Summary `json:"by_channel"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	store := s.tickets.Store()
	count, err := store.Count()
	if err != nil {
		s.logger.Error("count tickets failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read tickets")
		return
	}
	recent, err := store.Recent(queryInt(r, "recent", 10, 100))
	if err != nil {
		s.logger.Error("list tickets failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read tickets")
		return
	}
	if recent == nil {
		recent = []ticket.Ticket{}
	}

	resp := AnalyticsResponse{
		Sessions:      s.sessions.Stats(),
		TicketCount:   count,
		RecentTickets: recent,
	}

	if s.usage != nil {
		days := queryInt(r, "days", 7, 365)
		end := time.Now()
		start := end.AddDate(0, 0, -days)
		report := &UsageReport{Days: days}
		if report.Total, err = s.usage.Summary(start, end); err == nil {
			if report.ByModel, err = s.usage.SummaryByModel(start, end); err == nil {
				report.ByChannel, err = s.usage.SummaryByChannel(start, end)
			}
		}
		if err != nil {
			s.logger.Error("usage summary failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
			return
		}
		resp.Usage = report
	}

	s.ok(w, http.StatusOK, resp)
}
