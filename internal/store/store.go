// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"statboard/internal/domain"
)

// Repository defines the interface for persisting viewer and snapshot data.
// It is never required to be consistent with in-memory session state; the
// dispatcher consults it only when the memoized snapshot lacks fields.
type Repository interface {
	// GetViewer retrieves a viewer by id, or nil if unknown.
	GetViewer(ctx context.Context, viewerID string) (*domain.Viewer, error)

	// UpsertViewer creates or updates a viewer record.
	UpsertViewer(ctx context.Context, viewer *domain.Viewer) error

	// GetPreferences retrieves a viewer's saved filter defaults, or nil.
	GetPreferences(ctx context.Context, viewerID string) (*domain.Preferences, error)

	// UpsertPreferences saves a viewer's filter defaults.
	UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error

	// GetSnapshot returns the cached snapshot for a context id if one was
	// fetched within maxAge, or nil on a miss.
	GetSnapshot(ctx context.Context, contextID string, maxAge time.Duration) (*domain.Snapshot, error)

	// PutSnapshot caches a snapshot verbatim for a context id.
	PutSnapshot(ctx context.Context, contextID string, snap *domain.Snapshot) error

	// PruneSnapshots removes cached snapshots older than maxAge and returns
	// the number of rows deleted.
	PruneSnapshots(ctx context.Context, maxAge time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
