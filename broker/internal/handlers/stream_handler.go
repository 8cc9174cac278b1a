package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/service"
	"github.com/autonlabs/inbox-broker/common/logging"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 45 * time.Second

	wsWriteWait      = 10 * time.Second
	wsMaxInboundSize = 512
)

// Stream event types, used as the SSE event name and the WebSocket "type".
const (
	EventMessage      = "message"
	EventInboxDeleted = "inbox_deleted"
	EventOverflow     = "overflow"
	EventShutdown     = "shutdown"
	EventError        = "error"
)

type StreamConfig struct {
	HeartbeatInterval time.Duration
	// IdleTimeout bounds each write and, for WebSockets, the wait for a pong.
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// StreamHandler serves live subscriptions over SSE and WebSocket.
type StreamHandler struct {
	service  *service.InboxService
	cfg      StreamConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// wsEvent is one WebSocket frame.
type wsEvent struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type endEvent struct {
	Reason string `json:"reason"`
}

func NewStreamHandler(svc *service.InboxService, cfg StreamConfig, logger *slog.Logger) *StreamHandler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &StreamHandler{service: svc, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("rejected websocket from disallowed origin", slog.String("origin", origin))
	return false
}

// endReason names the terminal event for a stream error.
func endReason(err error) string {
	switch {
	case errors.Is(err, service.ErrInboxDeleted):
		return EventInboxDeleted
	case errors.Is(err, service.ErrSlowConsumer):
		return EventOverflow
	case errors.Is(err, service.ErrShuttingDown):
		return EventShutdown
	default:
		return EventError
	}
}

// SSE handles GET /api/inbox/{id}/stream.
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.service.Subscribe(ctx, r.PathValue("id"), ownerSecret(r), r.URL.Query().Get("after"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer st.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if !h.writeSSE(rc, w, ": connected\n\n") {
		return
	}

	for {
		wait, cancel := context.WithTimeout(ctx, h.cfg.HeartbeatInterval)
		msg, err := st.Next(wait)
		cancel()

		switch {
		case err == nil:
			data, mErr := json.Marshal(msg)
			if mErr != nil {
				h.logger.ErrorContext(ctx, "failed to encode message", logging.MessageID(msg.ID), logging.Error(mErr))
				continue
			}
			if !h.writeSSE(rc, w, fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", msg.ID, EventMessage, data)) {
				return
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if !h.writeSSE(rc, w, ": heartbeat\n\n") {
				return
			}
		default:
			data, _ := json.Marshal(endEvent{Reason: err.Error()})
			h.writeSSE(rc, w, fmt.Sprintf("event: %s\ndata: %s\n\n", endReason(err), data))
			h.logger.DebugContext(ctx, "stream ended", logging.InboxID(st.InboxID), logging.Error(err))
			return
		}
	}
}

// writeSSE writes and flushes one frame under a fresh write deadline. A
// failed write means the client is gone.
func (h *StreamHandler) writeSSE(rc *http.ResponseController, w http.ResponseWriter, frame string) bool {
	if err := rc.SetWriteDeadline(time.Now().Add(h.cfg.IdleTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return false
	}
	if _, err := fmt.Fprint(w, frame); err != nil {
		return false
	}
	return rc.Flush() == nil
}

// WebSocket handles GET /api/inbox/{id}/ws. Credentials are checked before
// the upgrade so failures get a normal HTTP error response.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Subscribe(r.Context(), r.PathValue("id"), ownerSecret(r), r.URL.Query().Get("after"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer st.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go h.readPump(conn, cancel)

	for {
		wait, stop := context.WithTimeout(ctx, h.cfg.HeartbeatInterval)
		msg, err := st.Next(wait)
		stop()

		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsEvent{Type: EventMessage, Message: msg}); err != nil {
				return
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		default:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(wsEvent{Type: endReason(err), Reason: err.Error()})
			code := websocket.CloseNormalClosure
			if errors.Is(err, service.ErrShuttingDown) {
				code = websocket.CloseGoingAway
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, endReason(err)), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// readPump discards client frames and cancels the stream once the peer stops
// answering pings or disconnects.
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(wsMaxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
