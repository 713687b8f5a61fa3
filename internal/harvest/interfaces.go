package harvest

import (
	"context"
	"time"
)

// Identity is one credential identity an agent logs in with.
type Identity struct {
	Email    string
	Password string
	Label    string
}

// Queue provides enqueue/dequeue semantics for pending targets. Enqueue is a
// no-op for targets already queued or already marked processed; Dequeue
// blocks until a target is available or the context ends. Requeue places a
// target on the retry path after a transient failure or block.
type Queue interface {
	Enqueue(ctx context.Context, target Target) error
	Dequeue(ctx context.Context) (Target, error)
	Requeue(ctx context.Context, target Target) error
	Size() int
}

// Fetcher performs the actual remote retrieval through a browser-driven
// session. Implementations classify failures via FetchError; every call is
// expected to be bounded by the supplied context.
type Fetcher interface {
	// Initialize builds the browsing environment for one agent.
	Initialize(ctx context.Context, identity Identity, proxy string) error
	// Login establishes or restores an authenticated session.
	Login(ctx context.Context, identity Identity) error
	// FetchProfile retrieves raw fields and raw activity batches for target.
	FetchProfile(ctx context.Context, target Target) (FetchResult, error)
	// SaveSession persists session material for cross-restart reuse.
	SaveSession(ctx context.Context, agentID string) error
	// RestoreSession reloads previously saved session material.
	RestoreSession(ctx context.Context, agentID string) error
	// Teardown releases the environment ahead of a rebuild or shutdown.
	Teardown(ctx context.Context) error
}

// ProfileStore durably persists normalized profile and activity data. Both
// operations are idempotent under repeated identical calls.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile NormalizedProfile) error
	UpsertActivity(ctx context.Context, targetID string, groups []CanonicalActivityGroup) error
}

// NormalizedProfile is what the ProfileStore receives after normalization.
type NormalizedProfile struct {
	TargetID   string
	FullName   string
	Headline   string
	Location   string
	Email      string
	Employment []NormalizedEmployment
	ScrapedAt  time.Time
}

// NormalizedEmployment is one company with parsed position ranges.
type NormalizedEmployment struct {
	Company    string
	CompanyURL string
	Positions  []NormalizedPosition
}

// NormalizedPosition carries parsed YYYY-MM start/end months; End is empty
// for a current role.
type NormalizedPosition struct {
	Title       string
	Start       string
	End         string
	Location    string
	Description string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Publisher pushes per-target outcome events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
