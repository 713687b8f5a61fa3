// Package memory provides a mutex-guarded checkpoint store for
// single-process deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/leadsignal/harvester/internal/checkpoint"
)

// Store keeps checkpoints and cooldowns in process memory. Each target id
// maps to its own entry guarded by a shared mutex per shard, so operations
// on different targets proceed independently.
type Store struct {
	shards  [shardCount]shard
	cdMu    sync.RWMutex
	cds     map[string]checkpoint.Cooldown
	dayMu   sync.RWMutex
	dailies map[string]int
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	records map[string]checkpoint.Checkpoint
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	s := &Store{
		cds:     make(map[string]checkpoint.Cooldown),
		dailies: make(map[string]int),
	}
	for i := range s.shards {
		s.shards[i].records = make(map[string]checkpoint.Checkpoint)
	}
	return s
}

func (s *Store) shardFor(targetID string) *shard {
	var sum uint32
	for i := 0; i < len(targetID); i++ {
		sum = sum*31 + uint32(targetID[i])
	}
	return &s.shards[sum%shardCount]
}

// Get loads the checkpoint for a target.
func (s *Store) Get(_ context.Context, targetID string) (checkpoint.Checkpoint, error) {
	sh := s.shardFor(targetID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cp, ok := sh.records[targetID]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

// Put upserts markers, enforcing the monotonicity guard.
func (s *Store) Put(_ context.Context, targetID string, markers checkpoint.Markers) error {
	sh := s.shardFor(targetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp, ok := sh.records[targetID]
	if !ok {
		sh.records[targetID] = checkpoint.Checkpoint{
			TargetID:  targetID,
			Markers:   markers,
			UpdatedAt: time.Now().UTC(),
		}
		return nil
	}
	if cp.Markers.Equal(markers) {
		return nil
	}
	merged := cp.Markers.Merge(markers)
	if merged.Equal(cp.Markers) {
		// Nothing advanced: the caller lost a race or replayed stale state.
		return checkpoint.ErrStaleMarkers
	}
	cp.Markers = merged
	cp.UpdatedAt = time.Now().UTC()
	sh.records[targetID] = cp
	return nil
}

// MarkProcessed flags the target as handled.
func (s *Store) MarkProcessed(_ context.Context, targetID string) error {
	sh := s.shardFor(targetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := sh.records[targetID]
	cp.TargetID = targetID
	cp.Processed = true
	cp.UpdatedAt = time.Now().UTC()
	sh.records[targetID] = cp
	return nil
}

// IsProcessed reports the processed flag.
func (s *Store) IsProcessed(_ context.Context, targetID string) (bool, error) {
	sh := s.shardFor(targetID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[targetID].Processed, nil
}

// GetCooldown loads the cooldown window for an agent.
func (s *Store) GetCooldown(_ context.Context, agentID string) (checkpoint.Cooldown, bool, error) {
	s.cdMu.RLock()
	defer s.cdMu.RUnlock()
	cd, ok := s.cds[agentID]
	return cd, ok, nil
}

// SetCooldown records a cooldown window for an agent.
func (s *Store) SetCooldown(_ context.Context, agentID string, until time.Time) error {
	s.cdMu.Lock()
	defer s.cdMu.Unlock()
	s.cds[agentID] = checkpoint.Cooldown{AgentID: agentID, Until: until}
	return nil
}

// ClearCooldown removes the window for an agent.
func (s *Store) ClearCooldown(_ context.Context, agentID string) error {
	s.cdMu.Lock()
	defer s.cdMu.Unlock()
	delete(s.cds, agentID)
	return nil
}

// AddDailyCount adds delta to the agent's counter for the given UTC day.
func (s *Store) AddDailyCount(_ context.Context, agentID string, day string, delta int) (int, error) {
	s.dayMu.Lock()
	defer s.dayMu.Unlock()
	key := agentID + "|" + day
	s.dailies[key] += delta
	return s.dailies[key], nil
}

// DailyCount reads the agent's counter for the given UTC day.
func (s *Store) DailyCount(_ context.Context, agentID string, day string) (int, error) {
	s.dayMu.RLock()
	defer s.dayMu.RUnlock()
	return s.dailies[agentID+"|"+day], nil
}

// Close implements checkpoint.Store; it performs no action.
func (s *Store) Close() error { return nil }
