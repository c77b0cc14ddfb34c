package live

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/simpa/internal/domain"
)

const writeTimeout = 5 * time.Second

// frame is one message on the monitor stream.
type frame struct {
	Type    string      `json:"type"`
	Row     *domain.Row `json:"row,omitempty"`
	Dropped int64       `json:"dropped,omitempty"`
}

// WebSocketHandler streams hub rows to a websocket client: first the
// backlog, then every new row.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
}

// NewWebSocketHandler creates a handler for hub.
func NewWebSocketHandler(hub *Hub, allowedOrigin string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		allowedOrigin: allowedOrigin,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.hub.Subscribe("monitor-" + uuid.NewString())
	slog.Info("Monitor connected", "subscriber", sub.id, "ip", r.RemoteAddr)
	defer h.hub.Unsubscribe(sub)

	// Clients never send; CloseRead handles their close frame.
	ctx := ws.CloseRead(r.Context())

	var last int64
	for _, row := range h.hub.Backlog() {
		if err := h.write(ctx, ws, frame{Type: "row", Row: &row}); err != nil {
			return
		}
		last = row.Seq
	}

	var reported int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case row := <-sub.Rows():
			if row.Seq <= last {
				continue
			}
			if dropped := sub.Dropped(); dropped > reported {
				reported = dropped
				if err := h.write(ctx, ws, frame{Type: "dropped", Dropped: dropped}); err != nil {
					return
				}
			}
			if err := h.write(ctx, ws, frame{Type: "row", Row: &row}); err != nil {
				return
			}
			last = row.Seq
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, f); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			slog.Debug("WebSocket write error", "error", err)
		}
		return err
	}
	return nil
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
