package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/protocol"
)

const (
	maxInboundMessage = 1 << 20
	writeTimeout      = 10 * time.Second
)

// handleRelayWS bridges one ConversationRelay websocket to the relay engine.
// Reads, writes and the engine each run on their own goroutine; only the
// writer touches the socket for output.
func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay engine not configured")
		return
	}
	sessionKey := strings.TrimSpace(r.URL.Query().Get("sessionKey"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	logger := s.logger.With("session_key", sessionKey, "remote", r.RemoteAddr)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	// r.Context() lives until this handler returns and is cancelled on server shutdown.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})
	var runErr error

	go func() {
		defer close(runDone)
		defer close(outbound)
		defer cancel()
		runErr = s.relay.RunConnection(ctx, sessionKey, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		healthy := true
		for msg := range outbound {
			if !healthy {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warn("websocket write failed", "err", err)
				s.metrics.ObserveOutboundMessage(messageType(msg), "write_error")
				healthy = false
				cancel()
				_ = conn.Close()
			}
		}
		if !healthy {
			return
		}
		// outbound is closed only after RunConnection returned.
		code, reason := websocket.CloseNormalClosure, ""
		if runErr != nil {
			code, reason = websocket.CloseInternalServerErr, "session error"
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxInboundMessage)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Info("websocket read ended", "err", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			logger.Warn("malformed inbound message dropped", "err", err)
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", messageType(parsed)).Inc()

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func messageType(v any) string {
	if t, ok := protocol.TypeOf(v); ok {
		return string(t)
	}
	return "unknown"
}
