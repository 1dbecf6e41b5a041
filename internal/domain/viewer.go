package domain

import (
	"time"
)

// Viewer represents an anonymous panel viewer identified by a device cookie.
type Viewer struct {
	ViewerID   string    `json:"viewer_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Preferences holds a viewer's saved default filter values. The fields are
// stored as raw strings; the filter package parses them tolerantly so stale
// rows written by an older version still load.
type Preferences struct {
	ViewerID   string    `json:"viewer_id"`
	TimeWindow string    `json:"time_window"`
	QueueMode  string    `json:"queue_mode"`
	GroupSize  string    `json:"group_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}
