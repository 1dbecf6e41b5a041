package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"statboard/internal/domain"
	"statboard/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS viewers (
		viewer_id TEXT PRIMARY KEY,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		viewer_id TEXT PRIMARY KEY,
		time_window TEXT NOT NULL,
		queue_mode TEXT NOT NULL,
		group_size TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		context_id TEXT PRIMARY KEY,
		payload_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_fetched ON snapshots(fetched_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetViewer retrieves a viewer by id.
func (s *SQLiteStore) GetViewer(ctx context.Context, viewerID string) (*domain.Viewer, error) {
	query := `SELECT viewer_id, last_seen_at, created_at, updated_at FROM viewers WHERE viewer_id = ?`
	row := s.db.QueryRowContext(ctx, query, viewerID)

	var viewer domain.Viewer
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&viewer.ViewerID, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan viewer row: %w", err)
	}

	viewer.LastSeenAt = time.Unix(lastSeen, 0)
	viewer.CreatedAt = time.Unix(createdAt, 0)
	viewer.UpdatedAt = time.Unix(updatedAt, 0)
	return &viewer, nil
}

// UpsertViewer creates or updates a viewer record.
func (s *SQLiteStore) UpsertViewer(ctx context.Context, viewer *domain.Viewer) error {
	query := `
	INSERT INTO viewers (viewer_id, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(viewer_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		viewer.ViewerID, viewer.LastSeenAt.Unix(),
		viewer.CreatedAt.Unix(), viewer.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert viewer: %w", err)
	}
	return nil
}

// GetPreferences retrieves a viewer's saved filter defaults.
func (s *SQLiteStore) GetPreferences(ctx context.Context, viewerID string) (*domain.Preferences, error) {
	query := `
		SELECT viewer_id, time_window, queue_mode, group_size, updated_at
		FROM preferences WHERE viewer_id = ?`
	row := s.db.QueryRowContext(ctx, query, viewerID)

	var prefs domain.Preferences
	var updatedAt int64
	err := row.Scan(&prefs.ViewerID, &prefs.TimeWindow, &prefs.QueueMode, &prefs.GroupSize, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan preferences row: %w", err)
	}

	prefs.UpdatedAt = time.Unix(updatedAt, 0)
	return &prefs, nil
}

// UpsertPreferences saves a viewer's filter defaults, retrying briefly on
// SQLite concurrency conflicts since this runs concurrently with the prune job.
func (s *SQLiteStore) UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error {
	query := `
	INSERT INTO preferences (viewer_id, time_window, queue_mode, group_size, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(viewer_id) DO UPDATE SET
		time_window = excluded.time_window,
		queue_mode = excluded.queue_mode,
		group_size = excluded.group_size,
		updated_at = excluded.updated_at`

	maxRetries := 3
	baseDelay := 50 * time.Millisecond
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query,
			prefs.ViewerID, prefs.TimeWindow, prefs.QueueMode, prefs.GroupSize,
			time.Now().Unix(),
		)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
			slog.Debug("UpsertPreferences hit a locked database, retrying",
				"viewer_id", prefs.ViewerID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}
	return fmt.Errorf("upsert preferences: %w", err)
}

// GetSnapshot returns the cached snapshot for a context id if fresh enough.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, contextID string, maxAge time.Duration) (*domain.Snapshot, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	query := `SELECT payload_json, fetched_at FROM snapshots WHERE context_id = ? AND fetched_at >= ?`
	row := s.db.QueryRowContext(ctx, query, contextID, threshold)

	var payload string
	var fetchedAt int64
	err := row.Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		// A row we can no longer parse is as good as a miss.
		slog.Warn("Discarding unparseable cached snapshot", "context_id", contextID, "error", err)
		return nil, nil
	}
	snap.FetchedAt = time.Unix(fetchedAt, 0)
	return &snap, nil
}

// PutSnapshot caches a snapshot verbatim for a context id.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, contextID string, snap *domain.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
	INSERT INTO snapshots (context_id, payload_json, fetched_at)
	VALUES (?, ?, ?)
	ON CONFLICT(context_id) DO UPDATE SET
		payload_json = excluded.payload_json,
		fetched_at = excluded.fetched_at`

	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query, contextID, string(payload), fetchedAt.Unix()); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots removes cached snapshots older than maxAge.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE fetched_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
