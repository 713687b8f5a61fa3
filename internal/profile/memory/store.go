// Package memory provides an in-process ProfileStore for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/leadsignal/harvester/internal/harvest"
)

// Store keeps normalized profiles and activity groups in maps keyed the same
// way the durable store keys its rows.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]harvest.NormalizedProfile
	activity map[string]map[string]harvest.CanonicalActivityGroup
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		profiles: make(map[string]harvest.NormalizedProfile),
		activity: make(map[string]map[string]harvest.CanonicalActivityGroup),
	}
}

// UpsertProfile stores or replaces the profile for a target.
func (s *Store) UpsertProfile(_ context.Context, p harvest.NormalizedProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.TargetID] = p
	return nil
}

// UpsertActivity stores each group keyed by its fingerprint. A group that
// collides with a stored one merges into it, so the kind union and comment
// fields accumulate across fetches instead of being replaced.
func (s *Store) UpsertActivity(_ context.Context, targetID string, groups []harvest.CanonicalActivityGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.activity[targetID]
	if byKey == nil {
		byKey = make(map[string]harvest.CanonicalActivityGroup)
		s.activity[targetID] = byKey
	}
	for _, g := range groups {
		key := g.Fingerprint()
		if prev, ok := byKey[key]; ok {
			g = prev.Merge(g)
		}
		byKey[key] = g
	}
	return nil
}

// Profile returns the stored profile for a target, if any.
func (s *Store) Profile(targetID string) (harvest.NormalizedProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[targetID]
	return p, ok
}

// Activity returns the stored groups for a target in unspecified order.
func (s *Store) Activity(targetID string) []harvest.CanonicalActivityGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.CanonicalActivityGroup, 0, len(s.activity[targetID]))
	for _, g := range s.activity[targetID] {
		out = append(out, g)
	}
	return out
}
