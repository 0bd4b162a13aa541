package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/supporthub/internal/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 64 << 10
)

// wsChatMessage is a client frame on /ws/chat.
type wsChatMessage struct {
	UserMessage string `json:"user_message"`
	SessionID   string `json:"session_id,omitempty"`
}

// wsChatReply is a server frame on /ws/chat. Type is "response" or
// "error".
type wsChatReply struct {
	Type      string `json:"type"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(s.corsOrigins, "*") {
				return true
			}
			return slices.Contains(s.corsOrigins, origin)
		},
	}
}

// handleWSChat serves a chat conversation over one WebSocket. The
// session id returned by the first reply sticks to the connection
// unless a later frame names another.
func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	replies := make(chan wsChatReply, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.wsWriter(ctx, conn, replies)
	}()
	send := func(reply wsChatReply) bool {
		select {
		case replies <- reply:
			return true
		case <-writerDone:
			return false
		}
	}

	var sessionID string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket chat closed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !send(wsChatReply{Type: "error", Error: "invalid frame: " + err.Error(), Status: http.StatusBadRequest}) {
				return
			}
			continue
		}
		if id := strings.TrimSpace(msg.SessionID); id != "" {
			sessionID = id
		}

		res, err := s.chat.ProcessFrom(ctx, chat.ChannelWebSocket, msg.UserMessage, sessionID)
		// Pongs are only handled while reading, so restart the clock
		// after a slow reply.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if err != nil {
			status := chatStatus(err)
			if status >= 500 {
				s.logger.Error("websocket chat failed", "session", sessionID, "status", status, "error", err)
			}
			if !send(wsChatReply{Type: "error", Error: chatErrorMessage(status, err), Status: status}) {
				return
			}
			continue
		}
		sessionID = res.SessionID

		out := newChatResponse(res)
		if !send(wsChatReply{
			Type:      "response",
			Response:  out.Response,
			SessionID: out.SessionID,
			Timestamp: out.Timestamp,
		}) {
			return
		}
	}
}

// wsWriter owns all writes to conn: queued replies and keepalive pings.
func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, replies <-chan wsChatReply) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case reply := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(reply); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handleEvents streams event bus traffic as JSON frames until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	// Subscribe before the handshake completes so the client sees
	// every event published after its dial returns.
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong control messages are
	// processed. A read error ends the stream.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
