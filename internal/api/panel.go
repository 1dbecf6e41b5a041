package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"statboard/internal/identity"
	"statboard/internal/session"
	"statboard/internal/store"
	"statboard/internal/transport"
	"github.com/go-chi/chi/v5"
)

// createLocks prevents concurrent panel creation for the same viewer.
var createLocks sync.Map

// PanelHandler handles panel lifecycle and interaction endpoints.
type PanelHandler struct {
	*Handler
}

// NewPanelHandler creates a new panel handler.
func NewPanelHandler(base *Handler) *PanelHandler {
	return &PanelHandler{Handler: base}
}

// RegisterRoutes registers panel routes.
func (h *PanelHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/panels", h.Create)
		r.Get("/panels/{key}", h.Get)
		r.Delete("/panels/{key}", h.Delete)
		r.Post("/panels/{key}/trigger", h.Trigger)
		r.Get("/panels/{key}/events", h.Events)
		r.Get("/activity", h.Activity)
	})
}

type createRequest struct {
	ContextID string `json:"context_id"`
}

type triggerRequest struct {
	Token string `json:"token"`
}

// Create opens a new panel session for a player context and returns the
// initial render.
func (h *PanelHandler) Create(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.ViewerIDFromContext(r.Context())
	if viewerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContextID == "" {
		Error(w, http.StatusBadRequest, "context_id is required")
		return
	}

	// Prevent concurrent creation requests from one viewer.
	lock, _ := createLocks.LoadOrStore(viewerID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Panel creation already in progress", "viewer_id", viewerID)
		Error(w, http.StatusConflict, "creation_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		createLocks.Delete(viewerID)
	}()

	result, err := h.dispatcher.Open(r.Context(), req.ContextID, viewerID)
	if err != nil {
		slog.Error("Failed to create panel", "error", err, "context_id", req.ContextID, "viewer_id", viewerID)
		Error(w, http.StatusBadGateway, "stats provider unavailable")
		return
	}

	slog.Info("Panel created", "panel_key", result.Key, "context_id", req.ContextID, "viewer_id", viewerID)
	JSON(w, http.StatusCreated, result)
}

// Get returns the observable state of a live panel session.
func (h *PanelHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	view, ok := h.dispatcher.Get(key)
	if !ok {
		Error(w, http.StatusNotFound, "panel not found or expired")
		return
	}

	JSON(w, http.StatusOK, view)
}

// Delete explicitly ends a panel session and strips its controls.
func (h *PanelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	viewerID := identity.ViewerIDFromContext(r.Context())

	if !h.dispatcher.Invalidate(r.Context(), key) {
		Error(w, http.StatusNotFound, "panel not found or expired")
		return
	}

	slog.Info("Panel deleted", "panel_key", key, "viewer_id", viewerID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Trigger accepts one control interaction for a panel. The render runs
// asynchronously; the response only acknowledges acceptance.
func (h *PanelHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	viewerID := identity.ViewerIDFromContext(r.Context())

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		Error(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.dispatcher.HandleTrigger(r.Context(), key, req.Token, viewerID); err != nil {
		if errors.Is(err, session.ErrInvalidTrigger) {
			Error(w, http.StatusBadRequest, "invalid or expired control")
			return
		}
		slog.Error("Trigger failed", "error", err, "panel_key", key, "viewer_id", viewerID)
		Error(w, http.StatusInternalServerError, "failed to process interaction")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"status": "rendering"})
}

// Events streams a panel's edit events over SSE. Reconnecting clients replay
// missed events via Last-Event-ID.
func (h *PanelHandler) Events(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if _, ok := h.dispatcher.Get(key); !ok {
		Error(w, http.StatusNotFound, "panel not found or expired")
		return
	}

	if err := h.feed.Serve(w, r, key); err != nil {
		slog.Warn("Panel event stream ended with error", "panel_key", key, "error", err)
	}
}

// Activity streams session lifecycle events for dashboards.
func (h *PanelHandler) Activity(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.Serve(w, r, transport.ActivityTopic); err != nil {
		slog.Warn("Activity stream ended with error", "error", err)
	}
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
