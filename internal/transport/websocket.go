package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"statboard/internal/identity"
	"github.com/coder/websocket"
)

// TriggerHandler accepts decoded filter-change triggers. Implemented by the
// session dispatcher.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, key, rawToken, viewerID string) error
}

// WSHandler serves the interactive WebSocket channel for a panel: viewers
// receive panel edits and may send triggers back over the same connection.
type WSHandler struct {
	hub           *Hub
	triggers      TriggerHandler
	allowedOrigin string
	isDev         bool
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(hub *Hub, triggers TriggerHandler, allowedOrigin string, isDev bool) *WSHandler {
	return &WSHandler{
		hub:           hub,
		triggers:      triggers,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the inbound WebSocket message structure.
type wsMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// ServeHTTP upgrades the connection and pumps inbound messages until the
// viewer disconnects. Panel key comes from the "panel" query parameter.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.ViewerIDFromContext(r.Context())
	panelKey := r.URL.Query().Get("panel")
	if panelKey == "" {
		http.Error(w, "panel query parameter required", http.StatusBadRequest)
		return
	}
	slog.Info("WebSocket connection request", "panel_key", panelKey, "viewer_id", viewerID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "panel_key", panelKey)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "viewer left"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "panel_key", panelKey)
		}
	}()

	h.hub.Register(panelKey, viewerID, ws)
	defer h.hub.Unregister(panelKey, viewerID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, panelKey, viewerID)
	slog.Info("Panel WebSocket session ended", "panel_key", panelKey, "viewer_id", viewerID)
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, panelKey, viewerID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by viewer", "panel_key", panelKey)
			} else {
				slog.Warn("WebSocket read error", "error", err, "panel_key", panelKey)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring unparseable WebSocket message", "panel_key", panelKey)
			continue
		}

		switch msg.Type {
		case "trigger":
			if err := h.triggers.HandleTrigger(ctx, panelKey, msg.Token, viewerID); err != nil {
				if writeErr := h.writeJSON(ws, map[string]string{"event": "error", "message": err.Error()}); writeErr != nil {
					slog.Debug("Failed to send trigger error", "error", writeErr)
				}
			}
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"event": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *WSHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
