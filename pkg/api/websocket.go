package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/comicgen/comicd/pkg/events"
	"github.com/comicgen/comicd/pkg/models"
)

// handleWebSocket upgrades the connection and streams the session's live
// events. The first frame is always the snapshot control message; a
// subscriber that falls behind is closed with a policy-violation status and
// should replay via the events endpoint before re-subscribing.
//
// Registered as a plain http.HandlerFunc: the upgrade needs the raw
// ResponseWriter to hijack the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sub, err := s.engine.Subscribe(sessionID)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.engine.Unsubscribe(sub)
		s.logger.Warn("WebSocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	s.serveSubscription(r.Context(), conn, sub)
}

func (s *Server) serveSubscription(ctx context.Context, conn *websocket.Conn, sub *events.Subscription) {
	defer s.engine.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Read pump: inbound frames are ignored, but reading is required to
	// notice client closes and to process control frames.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				if models.KindOf(sub.Err()) == models.ErrKindTooSlow {
					conn.Close(websocket.StatusPolicyViolation, "event queue overflow; replay and re-subscribe")
				} else {
					conn.Close(websocket.StatusNormalClosure, "stream ended")
				}
				return
			}
			if err := s.writeEvent(ctx, conn, &evt); err != nil {
				s.logger.Debug("WebSocket write failed",
					"session_id", sub.SessionID, "error", err)
				conn.Close(websocket.StatusNormalClosure, "write failed")
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *events.Event) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.Bus.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
