// Package remote holds the cloud copy of a player's progression: an HTTP
// client for the engine side and the JWT-authenticated service behind it.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrNotFound      = errors.New("remote: not found")
	ErrStorageClosed = errors.New("remote: storage closed")
)

// Snapshot is the remote view of a player's progression.
type Snapshot struct {
	XP        int       `json:"xp"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionRecord is one completed focus session. ID makes delivery
// idempotent.
type SessionRecord struct {
	ID         string    `json:"id"`
	Minutes    float64   `json:"minutes"`
	XPGained   int       `json:"xpGained"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store persists per-user progress. MergeProgress never lowers stored
// values.
type Store interface {
	GetProgress(ctx context.Context, userID string) (Snapshot, error)
	MergeProgress(ctx context.Context, userID string, snap Snapshot) (Snapshot, error)
	// RecordSession reports whether rec was new.
	RecordSession(ctx context.Context, userID string, rec SessionRecord) (bool, error)
	ListSessions(ctx context.Context, userID string) ([]SessionRecord, error)
}
