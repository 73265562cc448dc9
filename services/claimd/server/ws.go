package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsDefaultBacklog = 20
	wsMaxBacklog     = 100
)

// handleClaimEvents streams settlement outcomes for the authenticated user
// over a websocket. The backlog of recent events is replayed first, then live
// events follow until either side closes the connection.
func (s *Server) handleClaimEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	if s.broker == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	backlog := wsDefaultBacklog
	if raw := strings.TrimSpace(r.URL.Query().Get("backlog")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid backlog", http.StatusBadRequest)
			return
		}
		if parsed > wsMaxBacklog {
			parsed = wsMaxBacklog
		}
		backlog = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamClaimEvents(r.Context(), conn, user, backlog); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamClaimEvents(ctx context.Context, conn *websocket.Conn, user string, backlog int) error {
	live, cancel := s.broker.Subscribe(user)
	defer cancel()

	for _, evt := range s.broker.Backlog(user, backlog) {
		if err := writeClaimEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeClaimEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeClaimEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
