// Package identity provides anonymous per-device viewer identity.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"statboard/internal/domain"
	"statboard/internal/store"
	"github.com/oklog/ulid/v2"
)

const (
	// ViewerCookieName holds the anonymous viewer id on the device.
	ViewerCookieName = "statboard_viewer_id"

	viewerCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const viewerIDKey contextKey = iota

// ULID-shaped viewer ids only; anything else is replaced.
var viewerIDPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// ViewerIDFromContext extracts the viewer id from the request context.
func ViewerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerIDKey).(string); ok {
		return v
	}
	return ""
}

func setViewerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(viewerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(viewerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateViewerID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if c, err := r.Cookie(ViewerCookieName); err == nil && viewerIDPattern.MatchString(c.Value) {
		setViewerCookie(w, c.Value, isDev)
		return c.Value
	}
	id := ulid.Make().String()
	setViewerCookie(w, id, isDev)
	return id
}

func ensureViewer(ctx context.Context, repo store.Repository, viewerID string) error {
	viewer, err := repo.GetViewer(ctx, viewerID)
	if err != nil {
		return err
	}
	now := time.Now()
	if viewer != nil {
		viewer.LastSeenAt = now
		viewer.UpdatedAt = now
		return repo.UpsertViewer(ctx, viewer)
	}
	return repo.UpsertViewer(ctx, &domain.Viewer{
		ViewerID:   viewerID,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// Middleware injects an anonymous per-device viewer id, creating the viewer
// row on first sight so preference lookups always have a subject.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID := getOrCreateViewerID(w, r, isDev)

			if err := ensureViewer(r.Context(), repo, viewerID); err != nil {
				http.Error(w, `{"error":"failed to establish viewer identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), viewerIDKey, viewerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
