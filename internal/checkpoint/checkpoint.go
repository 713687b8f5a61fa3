// Package checkpoint declares the durable progress-marker store contract.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/leadsignal/harvester/internal/harvest"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("checkpoint record not found")

// ErrStaleMarkers signals a Put whose markers are older than the stored ones.
var ErrStaleMarkers = errors.New("markers older than stored checkpoint")

// Markers holds the last-seen timestamp per activity kind for one target.
// The zero time means "no marker yet" for that kind.
type Markers struct {
	LastPost     time.Time `json:"last_post"`
	LastComment  time.Time `json:"last_comment"`
	LastReaction time.Time `json:"last_reaction"`
}

// For returns the marker matching the given activity kind.
func (m Markers) For(kind harvest.ActivityKind) time.Time {
	switch kind {
	case harvest.KindPost:
		return m.LastPost
	case harvest.KindComment:
		return m.LastComment
	case harvest.KindReaction:
		return m.LastReaction
	}
	return time.Time{}
}

// Set assigns the marker for the given kind.
func (m *Markers) Set(kind harvest.ActivityKind, ts time.Time) {
	switch kind {
	case harvest.KindPost:
		m.LastPost = ts
	case harvest.KindComment:
		m.LastComment = ts
	case harvest.KindReaction:
		m.LastReaction = ts
	}
}

// Merge returns the per-kind maximum of m and other.
func (m Markers) Merge(other Markers) Markers {
	out := m
	if other.LastPost.After(out.LastPost) {
		out.LastPost = other.LastPost
	}
	if other.LastComment.After(out.LastComment) {
		out.LastComment = other.LastComment
	}
	if other.LastReaction.After(out.LastReaction) {
		out.LastReaction = other.LastReaction
	}
	return out
}

// Equal reports per-kind equality.
func (m Markers) Equal(other Markers) bool {
	return m.LastPost.Equal(other.LastPost) &&
		m.LastComment.Equal(other.LastComment) &&
		m.LastReaction.Equal(other.LastReaction)
}

// IsZero reports whether no marker has been recorded.
func (m Markers) IsZero() bool {
	return m.LastPost.IsZero() && m.LastComment.IsZero() && m.LastReaction.IsZero()
}

// Checkpoint is the stored progress record for one target.
type Checkpoint struct {
	TargetID  string    `json:"target_id"`
	Markers   Markers   `json:"markers"`
	Processed bool      `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cooldown is the persisted pause window for one agent.
type Cooldown struct {
	AgentID string    `json:"agent_id"`
	Until   time.Time `json:"until"`
}

// Store is the durable map from target/agent id to resumable progress.
//
// Contract: operations survive a crash, replaying an identical Put is a
// no-op, operations on different target ids never block each other, and a
// Put whose markers are older than the stored ones fails with
// ErrStaleMarkers regardless of call order.
type Store interface {
	// Get loads the checkpoint for a target, or ErrNotFound.
	Get(ctx context.Context, targetID string) (Checkpoint, error)
	// Put upserts markers for a target. Markers only move forward; an
	// identical replay succeeds without effect.
	Put(ctx context.Context, targetID string, markers Markers) error
	// MarkProcessed flags the target as fully handled. Idempotent.
	MarkProcessed(ctx context.Context, targetID string) error
	// IsProcessed reports the processed flag; missing targets report false.
	IsProcessed(ctx context.Context, targetID string) (bool, error)
	// GetCooldown loads the active cooldown window for an agent, if any.
	GetCooldown(ctx context.Context, agentID string) (Cooldown, bool, error)
	// SetCooldown records a cooldown window for an agent.
	SetCooldown(ctx context.Context, agentID string, until time.Time) error
	// ClearCooldown removes an expired window. Idempotent.
	ClearCooldown(ctx context.Context, agentID string) error
	// AddDailyCount adds delta to the agent's counter for the given UTC day
	// and returns the new total. Counters for other days are unaffected.
	AddDailyCount(ctx context.Context, agentID string, day string, delta int) (int, error)
	// DailyCount reads the agent's counter for the given UTC day; missing
	// counters report zero.
	DailyCount(ctx context.Context, agentID string, day string) (int, error)
	// Close releases the underlying resources.
	Close() error
}

// DayKey formats a time as the UTC day key used by the daily counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
