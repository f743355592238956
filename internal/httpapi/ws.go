package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleSessionWS streams session updates to the client and accepts
// client_action messages. One writer goroutine owns all socket writes.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	orch, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.IncSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 256)
	outbound <- protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, SessionID: sessionID, Snapshot: orch.Snapshot()}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, sessionID, updates, outbound)
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		action := parsed.(protocol.ClientAction)
		s.metrics.IncWSMessage("inbound", string(action.Action))
		if action.SessionID != sessionID {
			s.queue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "session_mismatch",
				Source:    "gateway",
				Detail:    "session_id does not match this connection",
			})
			continue
		}
		_ = s.sessions.Touch(sessionID)

		if err := dispatch(ctx, orch, action); err != nil {
			_, code := statusFor(err)
			s.queue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      code,
				Source:    string(action.Action),
				Detail:    err.Error(),
			})
		}
	}

	cancel()
	<-writerDone
	s.metrics.IncSessionEvent("ws_disconnected")
}

// queue hands a message to the writer, dropping it when the queue is full.
func (s *Server) queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.log.Warn("websocket outbound queue full, dropping message")
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string, updates <-chan engine.Update, outbound <-chan any) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	write := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
			cancel()
			return false
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.IncWSMessage("outbound", string(t))
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case u, ok := <-updates:
			if !ok {
				// Session closed underneath the connection.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(wsWriteTimeout))
				cancel()
				return
			}
			msg := protocol.FromUpdate(sessionID, u)
			if msg == nil {
				continue
			}
			if !write(msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.StateSnapshot:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.ContentDelta:
		return m.Type, true
	case protocol.TurnCommitted:
		return m.Type, true
	case protocol.TurnsReplaced:
		return m.Type, true
	case protocol.DraftReady:
		return m.Type, true
	case protocol.RosterUpdated:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
