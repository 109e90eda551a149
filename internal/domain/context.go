package domain

import (
	"context"
	"time"
)

// ContextRecord is one durable per-(agent, session) context blob. A record
// older than its TTL is treated as absent and lazily purged on next access.
type ContextRecord struct {
	Agent     string         `json:"agent"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Expired reports whether the record is past ttl relative to now.
func (r ContextRecord) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) >= ttl
}

// ContextStore is the durable backend the context manager writes through to.
// Agents never touch the backend directly.
type ContextStore interface {
	Put(ctx context.Context, rec ContextRecord) error
	Get(ctx context.Context, agent, sessionID string) (*ContextRecord, error)
	Delete(ctx context.Context, agent, sessionID string) error
	// DeleteOlderThan removes every record created before cutoff and returns
	// the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// ListSession returns all records belonging to one session.
	ListSession(ctx context.Context, sessionID string) ([]ContextRecord, error)
	Close() error
}
