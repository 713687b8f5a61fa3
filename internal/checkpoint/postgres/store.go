// Package postgres provides a Postgres-backed checkpoint store for
// multi-process deployments sharing one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadsignal/harvester/internal/checkpoint"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements checkpoint.Store using Postgres. The monotonicity guard
// is pushed into SQL via GREATEST so concurrent writers on one target id
// resolve to the higher marker regardless of commit order.
type Store struct {
	pool querier
}

// NewStore connects a pool and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS target_checkpoints (
			target_id     TEXT PRIMARY KEY,
			last_post     TIMESTAMPTZ,
			last_comment  TIMESTAMPTZ,
			last_reaction TIMESTAMPTZ,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS agent_cooldowns (
			agent_id TEXT PRIMARY KEY,
			until_ts TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS agent_daily_counts (
			agent_id TEXT NOT NULL,
			day      TEXT NOT NULL,
			count    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, day)
		);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullable(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Get loads the checkpoint for a target.
func (s *Store) Get(ctx context.Context, targetID string) (checkpoint.Checkpoint, error) {
	var post, comment, reaction *time.Time
	var processed bool
	var updated time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_post, last_comment, last_reaction, processed, updated_at
		FROM target_checkpoints WHERE target_id = $1`, targetID).
		Scan(&post, &comment, &reaction, &processed, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return checkpoint.Checkpoint{
		TargetID: targetID,
		Markers: checkpoint.Markers{
			LastPost:     fromNullable(post),
			LastComment:  fromNullable(comment),
			LastReaction: fromNullable(reaction),
		},
		Processed: processed,
		UpdatedAt: updated,
	}, nil
}

// putSQL merges per-kind maxima in one statement. The final SELECT reports
// stale = true only when the stored row absorbed nothing from the supplied
// markers and the put was not an identical replay.
const putSQL = `
	WITH prev AS (
		SELECT last_post, last_comment, last_reaction
		FROM target_checkpoints WHERE target_id = $1
	), up AS (
		INSERT INTO target_checkpoints (target_id, last_post, last_comment, last_reaction, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (target_id) DO UPDATE SET
			last_post     = GREATEST(target_checkpoints.last_post, EXCLUDED.last_post),
			last_comment  = GREATEST(target_checkpoints.last_comment, EXCLUDED.last_comment),
			last_reaction = GREATEST(target_checkpoints.last_reaction, EXCLUDED.last_reaction),
			updated_at    = now()
		RETURNING last_post, last_comment, last_reaction
	)
	SELECT EXISTS (
		SELECT 1 FROM prev, up
		WHERE up.last_post     IS NOT DISTINCT FROM prev.last_post
		  AND up.last_comment  IS NOT DISTINCT FROM prev.last_comment
		  AND up.last_reaction IS NOT DISTINCT FROM prev.last_reaction
		  AND (prev.last_post     IS DISTINCT FROM $2
			OR prev.last_comment  IS DISTINCT FROM $3
			OR prev.last_reaction IS DISTINCT FROM $4)
	)`

// Put upserts markers. Markers only move forward; a put that advances no
// marker at all fails with ErrStaleMarkers unless it is an identical replay.
func (s *Store) Put(ctx context.Context, targetID string, markers checkpoint.Markers) error {
	var stale bool
	err := s.pool.QueryRow(ctx, putSQL,
		targetID, nullable(markers.LastPost), nullable(markers.LastComment), nullable(markers.LastReaction)).
		Scan(&stale)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	if stale {
		return checkpoint.ErrStaleMarkers
	}
	return nil
}

// MarkProcessed flags the target as handled. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, targetID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO target_checkpoints (target_id, processed, updated_at)
		VALUES ($1, TRUE, now())
		ON CONFLICT (target_id) DO UPDATE SET processed = TRUE, updated_at = now()`,
		targetID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports the processed flag; missing rows report false.
func (s *Store) IsProcessed(ctx context.Context, targetID string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx,
		`SELECT processed FROM target_checkpoints WHERE target_id = $1`, targetID).
		Scan(&processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("is processed: %w", err)
	}
	return processed, nil
}

// GetCooldown loads the cooldown window for an agent.
func (s *Store) GetCooldown(ctx context.Context, agentID string) (checkpoint.Cooldown, bool, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT until_ts FROM agent_cooldowns WHERE agent_id = $1`, agentID).
		Scan(&until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkpoint.Cooldown{}, false, nil
		}
		return checkpoint.Cooldown{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	return checkpoint.Cooldown{AgentID: agentID, Until: until}, true, nil
}

// SetCooldown records a cooldown window for an agent.
func (s *Store) SetCooldown(ctx context.Context, agentID string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_cooldowns (agent_id, until_ts) VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET until_ts = EXCLUDED.until_ts`,
		agentID, until.UTC())
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// AddDailyCount adds delta to the agent's counter for the given UTC day and
// returns the new total.
func (s *Store) AddDailyCount(ctx context.Context, agentID string, day string, delta int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_daily_counts (agent_id, day, count) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, day) DO UPDATE SET count = agent_daily_counts.count + EXCLUDED.count
		RETURNING count`,
		agentID, day, delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("add daily count: %w", err)
	}
	return count, nil
}

// DailyCount reads the agent's counter for the given UTC day.
func (s *Store) DailyCount(ctx context.Context, agentID string, day string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM agent_daily_counts WHERE agent_id = $1 AND day = $2`, agentID, day).
		Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("daily count: %w", err)
	}
	return count, nil
}

// ClearCooldown removes the window for an agent. Idempotent.
func (s *Store) ClearCooldown(ctx context.Context, agentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM agent_cooldowns WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}
