// Package domain contains core domain types for the statboard application.
package domain

import (
	"time"
)

// MatchRecord is one played match as reported by the upstream stats provider.
type MatchRecord struct {
	MatchID   string    `json:"match_id"`
	PlayedAt  time.Time `json:"played_at"`
	Queue     string    `json:"queue"` // "solo" or "group"
	PartySize int       `json:"party_size"`
	Won       bool      `json:"won"`
	Score     int       `json:"score"`
}

// PlayerProfile identifies the subject a panel is about.
type PlayerProfile struct {
	ContextID string `json:"context_id"`
	Name      string `json:"name"`
	Region    string `json:"region,omitempty"`
}

// Snapshot is the memoized upstream payload a session reuses across filter
// changes that do not invalidate it.
type Snapshot struct {
	Profile   *PlayerProfile `json:"profile,omitempty"`
	Matches   []MatchRecord  `json:"matches"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// Empty returns true if the snapshot carries no usable upstream data.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Matches) == 0
}

// Age returns how long ago the snapshot was fetched.
func (s *Snapshot) Age() time.Duration {
	if s == nil || s.FetchedAt.IsZero() {
		return 0
	}
	return time.Since(s.FetchedAt)
}
