package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bothost/internal/bots"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is dropped.
	maxClientMessage = 512
)

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin; they still need a token.
			if origin == "" {
				return true
			}
			for _, allowed := range h.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// StreamLogs upgrades to a websocket and sends the bot's output, one line
// per text message. Running bots are followed live; stopped bots get their
// last lines and then a normal close. Lookup failures close the socket
// with a policy violation.
func (h *Handler) StreamLogs(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Debug("websocket upgrade failed", zap.Uint("bot_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.Logs.Subscribe(ctx, caller, id)
	if err != nil {
		code := websocket.CloseInternalServerErr
		reason := "log stream unavailable"
		if errors.Is(err, bots.ErrNotFound) || errors.Is(err, bots.ErrAccessDenied) || errors.Is(err, bots.ErrNoContainer) {
			code = websocket.ClosePolicyViolation
			reason = err.Error()
		} else {
			h.logger.Warn("log subscription failed", zap.Uint("bot_id", id), zap.Error(err))
		}
		closeSocket(conn, code, reason)
		return
	}
	defer sub.Close()

	// Read side: keeps pongs flowing and notices the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxClientMessage)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				closeSocket(conn, websocket.CloseNormalClosure, "stream ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
