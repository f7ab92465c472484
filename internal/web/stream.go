package web

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// pingInterval keeps idle stream connections alive through proxies.
const pingInterval = 30 * time.Second

// StreamMessages upgrades to a WebSocket and streams live room messages as
// text frames. The subscription starts at upgrade time; history is served by
// the REST endpoint, not replayed here. A client disconnect just drops the
// subscription.
func (h *Handler) StreamMessages(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.bot.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the read side so close frames and pings are processed; the
	// stream is write-only from the client's point of view.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	h.logger.Info("message stream opened", "remote", r.RemoteAddr)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
