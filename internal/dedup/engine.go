// Package dedup reconciles raw activity batches against checkpoint markers
// and collapses duplicate observations into canonical groups.
package dedup

import (
	"github.com/leadsignal/harvester/internal/checkpoint"
	"github.com/leadsignal/harvester/internal/harvest"
)

// Engine is a pure transformation; it holds no per-target state. Activity
// feeds are read as live, growing lists, so a batch routinely re-contains
// records already merged by an earlier fetch.
type Engine struct {
	clock harvest.Clock
}

// NewEngine constructs an engine that resolves relative timestamps against
// the supplied clock.
func NewEngine(clock harvest.Clock) *Engine {
	return &Engine{clock: clock}
}

type groupBuilder struct {
	group       harvest.CanonicalActivityGroup
	commentSeen bool
}

// Merge filters records already covered by the stored markers, fingerprints
// the survivors by (normalized engaged URL, normalized text), and merges
// records sharing a fingerprint into one group. It returns the new groups in
// first-seen order together with the advanced markers.
//
// Records with unparseable timestamps survive only while no marker exists
// for their kind; once a marker is set they cannot be ordered against it and
// are dropped. Records without a resolvable engaged-identity URL are always
// dropped. Batches are assumed newest-first, so on equal fingerprints the
// earlier record wins.
func (e *Engine) Merge(records []harvest.ActivityRecord, prior checkpoint.Markers) ([]harvest.CanonicalActivityGroup, checkpoint.Markers) {
	now := e.clock.Now()
	updated := prior

	var builders []*groupBuilder
	index := make(map[string]int)

	for _, rec := range records {
		engaged, err := harvest.NormalizeURL(rec.EngagedURL)
		if err != nil || engaged == "" {
			continue
		}

		ts, parseable := ParseTimestamp(rec.Timestamp, now)
		marker := prior.For(rec.Kind)
		if !parseable {
			if !marker.IsZero() {
				continue
			}
		} else if !ts.After(marker) {
			continue
		}

		if parseable && ts.After(updated.For(rec.Kind)) {
			updated.Set(rec.Kind, ts)
		}

		text := NormalizeText(rec.Text)
		key := engaged + "\x00" + text
		i, seen := index[key]
		if !seen {
			i = len(builders)
			index[key] = i
			builders = append(builders, &groupBuilder{
				group: harvest.CanonicalActivityGroup{
					EngagedURL:  engaged,
					EngagedName: rec.EngagedName,
					Text:        text,
					URL:         rec.URL,
					Timestamp:   ts,
					Kinds:       []harvest.ActivityKind{rec.Kind},
				},
			})
		}

		b := builders[i]
		if !b.group.HasKind(rec.Kind) {
			b.group.Kinds = append(b.group.Kinds, rec.Kind)
		}
		if rec.Kind == harvest.KindComment && !b.commentSeen {
			// Comment provenance is more specific than a reaction or repost
			// sighting of the same text, so it owns the group's comment text
			// and timestamp.
			b.commentSeen = true
			b.group.CommentText = NormalizeText(rec.CommentText)
			if parseable {
				b.group.Timestamp = ts
			}
		}
		if b.group.EngagedName == "" {
			b.group.EngagedName = rec.EngagedName
		}
	}

	if len(builders) == 0 {
		return nil, updated
	}
	groups := make([]harvest.CanonicalActivityGroup, len(builders))
	for i, b := range builders {
		groups[i] = b.group
	}
	return groups, updated
}
