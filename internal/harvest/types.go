// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// ActivityKind labels one observed action on the remote platform.
type ActivityKind string

// Activity kinds carried by raw records and canonical groups.
const (
	KindPost     ActivityKind = "post"
	KindComment  ActivityKind = "comment"
	KindReaction ActivityKind = "reaction"
)

// Target is one remote entity identity waiting to be fetched. The name and
// company fields are display hints used only to make the lookup path less
// suspicious; TargetID is the stable remote identity.
type Target struct {
	TargetID   string    `json:"target_id"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Company    string    `json:"company,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DisplayName renders the lookup hint, falling back to the raw identity.
func (t Target) DisplayName() string {
	name := t.FirstName
	if t.LastName != "" {
		if name != "" {
			name += " "
		}
		name += t.LastName
	}
	if name == "" {
		return t.TargetID
	}
	if t.Company != "" {
		return name + " (" + t.Company + ")"
	}
	return name
}

// ActivityRecord is one raw observed action, as returned by the Fetcher.
// Timestamps arrive either as RFC 3339 or as the platform's relative forms
// ("2d", "3mo", "1yr") and are resolved by the merge engine.
type ActivityRecord struct {
	ActorURL    string       `json:"actor_url"`
	EngagedURL  string       `json:"engaged_url"`
	EngagedName string       `json:"engaged_name,omitempty"`
	Text        string       `json:"text"`
	CommentText string       `json:"comment_text,omitempty"`
	URL         string       `json:"url,omitempty"`
	Timestamp   string       `json:"timestamp"`
	Kind        ActivityKind `json:"kind"`
}

// CanonicalActivityGroup is the deduplicated representation of one logical
// activity event against one engaged identity. Kinds is the union of every
// kind observed for the fingerprint; CommentText and Timestamp carry the
// comment-level values when a comment was among the merged records.
type CanonicalActivityGroup struct {
	EngagedURL  string         `json:"engaged_url"`
	EngagedName string         `json:"engaged_name,omitempty"`
	Text        string         `json:"text"`
	CommentText string         `json:"comment_text,omitempty"`
	URL         string         `json:"url,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Kinds       []ActivityKind `json:"kinds"`
}

// HasKind reports whether the group includes the given kind.
func (g CanonicalActivityGroup) HasKind(kind ActivityKind) bool {
	for _, k := range g.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Fingerprint is the stable dedup key: normalized engaged URL plus
// normalized text, NUL-separated.
func (g CanonicalActivityGroup) Fingerprint() string {
	return g.EngagedURL + "\x00" + g.Text
}

// Merge unions the kinds of two sightings of the same fingerprint. Comment
// provenance keeps precedence: a stored comment text and its timestamp are
// never displaced by a later non-comment sighting, while a new comment fills
// them in when the receiver has none. Without comment provenance on either
// side the later timestamp wins.
func (g CanonicalActivityGroup) Merge(other CanonicalActivityGroup) CanonicalActivityGroup {
	out := g
	out.Kinds = append([]ActivityKind(nil), g.Kinds...)
	for _, k := range other.Kinds {
		if !out.HasKind(k) {
			out.Kinds = append(out.Kinds, k)
		}
	}
	if out.EngagedName == "" {
		out.EngagedName = other.EngagedName
	}
	if out.URL == "" {
		out.URL = other.URL
	}
	switch {
	case g.CommentText != "":
	case other.CommentText != "":
		out.CommentText = other.CommentText
		if !other.Timestamp.IsZero() {
			out.Timestamp = other.Timestamp
		}
	case other.Timestamp.After(out.Timestamp):
		out.Timestamp = other.Timestamp
	}
	return out
}

// RawProfile is the loosely-typed payload of one successful fetch, pinned
// down as a fixed record so the merge engine stays statically checkable.
type RawProfile struct {
	TargetID   string              `json:"target_id"`
	Basic      BasicFields         `json:"basic"`
	Employment []EmploymentEntry   `json:"employment,omitempty"`
	Batches    [][]ActivityRecord  `json:"batches,omitempty"`
	FetchedAt  time.Time           `json:"fetched_at"`
}

// BasicFields are the identity-level fields of a profile.
type BasicFields struct {
	Name     string `json:"name,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Headline string `json:"headline,omitempty"`
	Location string `json:"location,omitempty"`
	About    string `json:"about,omitempty"`
	Email    string `json:"email,omitempty"`
}

// EmploymentEntry groups the raw positions reported under one company.
type EmploymentEntry struct {
	Company    string        `json:"company"`
	CompanyURL string        `json:"company_url,omitempty"`
	Positions  []RawPosition `json:"positions,omitempty"`
}

// RawPosition is one role as scraped, with the date range still unparsed.
type RawPosition struct {
	Title       string `json:"title"`
	DateRange   string `json:"date_range,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// FetchResult is the full outcome of one Fetcher round trip.
type FetchResult struct {
	Profile       RawProfile
	AuthValid     bool
	BlockDetected bool
	Duration      time.Duration
}
