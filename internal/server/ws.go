package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket streams every transcript published after the upgrade as a JSON
// text message. Clients that send ?final=true only receive final results.
type WebSocket struct {
	queue *broadcast.Queue[protocol.Transcript]
	log   *slog.Logger
}

func NewWebSocket(queue *broadcast.Queue[protocol.Transcript], log *slog.Logger) *WebSocket {
	return &WebSocket{queue: queue, log: log.With(slog.String("component", "ws-server"))}
}

func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	finalOnly := r.URL.Query().Get("final") == "true"
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	cursor := h.queue.Subscribe()
	log := h.log.With(slog.String("remote", conn.RemoteAddr().String()))
	log.Info("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close()
		log.Info("websocket client disconnected")
	}()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		item, err := cursor.Next(ctx)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
		if finalOnly && item.Partial {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(item); err != nil {
			log.Warn("dropping websocket client", slog.String("error", err.Error()))
			return
		}
	}
}
