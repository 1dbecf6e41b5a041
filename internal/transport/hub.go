package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub manages active WebSocket connections per panel key.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[string]*websocket.Conn)}
}

// Register adds a viewer connection for a panel. A connection re-registered
// under the same viewer id replaces (and closes) the previous one.
func (h *Hub) Register(panelKey, viewerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[panelKey]; !exists {
		h.active[panelKey] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[panelKey][viewerID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[panelKey][viewerID] = conn
	slog.Info("Panel viewer registered", "panel_key", panelKey, "viewer_id", viewerID)
}

// Unregister removes a viewer connection if it is still the registered one.
func (h *Hub) Unregister(panelKey, viewerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewers, ok := h.active[panelKey]
	if !ok {
		return
	}
	if current, exists := viewers[viewerID]; exists && current == conn {
		delete(viewers, viewerID)
		if len(viewers) == 0 {
			delete(h.active, panelKey)
		}
		slog.Info("Panel viewer unregistered", "panel_key", panelKey, "viewer_id", viewerID)
	}
}

// Viewer returns the registered connection for a panel viewer, or nil.
func (h *Hub) Viewer(panelKey, viewerID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if viewers, ok := h.active[panelKey]; ok {
		return viewers[viewerID]
	}
	return nil
}

// Broadcast writes payload to every connection registered for a panel.
// A panel with no viewers is not an error; individual write failures are
// logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, panelKey string, payload []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[panelKey]))
	for _, conn := range h.active[panelKey] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("Panel broadcast write failed", "panel_key", panelKey, "error", err)
		}
	}
}

// ClosePanel terminates all connections for a panel.
func (h *Hub) ClosePanel(panelKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewers, ok := h.active[panelKey]
	if !ok {
		return
	}
	for viewerID, conn := range viewers {
		_ = conn.Close(websocket.StatusNormalClosure, "panel expired")
		slog.Info("Panel viewer disconnected", "panel_key", panelKey, "viewer_id", viewerID)
	}
	delete(h.active, panelKey)
}
