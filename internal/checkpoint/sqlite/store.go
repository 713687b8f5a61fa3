// Package sqlite provides a file-backed checkpoint store using the pure-Go
// SQLite driver, suitable for single-host deployments that must survive
// restarts without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leadsignal/harvester/internal/checkpoint"
)

// Store implements checkpoint.Store on a local SQLite file. SQLite gives the
// per-key atomic upsert the contract asks for; the driver serializes writes,
// so same-target puts never interleave.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS target_checkpoints (
	target_id     TEXT PRIMARY KEY,
	last_post     TEXT NOT NULL DEFAULT '',
	last_comment  TEXT NOT NULL DEFAULT '',
	last_reaction TEXT NOT NULL DEFAULT '',
	processed     INTEGER NOT NULL DEFAULT 0,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_cooldowns (
	agent_id TEXT PRIMARY KEY,
	until_ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_daily_counts (
	agent_id TEXT NOT NULL,
	day      TEXT NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_id, day)
);
`

// Open creates or opens the checkpoint database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writes come from every agent; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Get loads the checkpoint for a target.
func (s *Store) Get(ctx context.Context, targetID string) (checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_post, last_comment, last_reaction, processed, updated_at
		FROM target_checkpoints WHERE target_id = ?`, targetID)

	var post, comment, reaction, updated string
	var processed int
	if err := row.Scan(&post, &comment, &reaction, &processed, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return checkpoint.Checkpoint{
		TargetID: targetID,
		Markers: checkpoint.Markers{
			LastPost:     decodeTime(post),
			LastComment:  decodeTime(comment),
			LastReaction: decodeTime(reaction),
		},
		Processed: processed != 0,
		UpdatedAt: decodeTime(updated),
	}, nil
}

// Put upserts markers inside a transaction, merging per-kind maxima so the
// higher marker wins regardless of write order.
func (s *Store) Put(ctx context.Context, targetID string, markers checkpoint.Markers) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT last_post, last_comment, last_reaction
		FROM target_checkpoints WHERE target_id = ?`, targetID)

	var post, comment, reaction string
	err = row.Scan(&post, &comment, &reaction)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO target_checkpoints (target_id, last_post, last_comment, last_reaction, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			targetID, encodeTime(markers.LastPost), encodeTime(markers.LastComment),
			encodeTime(markers.LastReaction), encodeTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read checkpoint: %w", err)
	default:
		stored := checkpoint.Markers{
			LastPost:     decodeTime(post),
			LastComment:  decodeTime(comment),
			LastReaction: decodeTime(reaction),
		}
		if stored.Equal(markers) {
			return tx.Commit()
		}
		merged := stored.Merge(markers)
		if merged.Equal(stored) {
			return checkpoint.ErrStaleMarkers
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE target_checkpoints
			SET last_post = ?, last_comment = ?, last_reaction = ?, updated_at = ?
			WHERE target_id = ?`,
			encodeTime(merged.LastPost), encodeTime(merged.LastComment),
			encodeTime(merged.LastReaction), encodeTime(time.Now()), targetID)
		if err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// MarkProcessed flags the target as handled. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, targetID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO target_checkpoints (target_id, processed, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (target_id) DO UPDATE SET processed = 1, updated_at = excluded.updated_at`,
		targetID, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports the processed flag; missing rows report false.
func (s *Store) IsProcessed(ctx context.Context, targetID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT processed FROM target_checkpoints WHERE target_id = ?`, targetID)
	var processed int
	if err := row.Scan(&processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("is processed: %w", err)
	}
	return processed != 0, nil
}

// GetCooldown loads the cooldown window for an agent.
func (s *Store) GetCooldown(ctx context.Context, agentID string) (checkpoint.Cooldown, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT until_ts FROM agent_cooldowns WHERE agent_id = ?`, agentID)
	var until string
	if err := row.Scan(&until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Cooldown{}, false, nil
		}
		return checkpoint.Cooldown{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	return checkpoint.Cooldown{AgentID: agentID, Until: decodeTime(until)}, true, nil
}

// SetCooldown records a cooldown window for an agent.
func (s *Store) SetCooldown(ctx context.Context, agentID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_cooldowns (agent_id, until_ts) VALUES (?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET until_ts = excluded.until_ts`,
		agentID, encodeTime(until))
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// AddDailyCount adds delta to the agent's counter for the given UTC day and
// returns the new total.
func (s *Store) AddDailyCount(ctx context.Context, agentID string, day string, delta int) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_daily_counts (agent_id, day, count) VALUES (?, ?, ?)
		ON CONFLICT (agent_id, day) DO UPDATE SET count = count + excluded.count
		RETURNING count`,
		agentID, day, delta)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("add daily count: %w", err)
	}
	return count, nil
}

// DailyCount reads the agent's counter for the given UTC day.
func (s *Store) DailyCount(ctx context.Context, agentID string, day string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT count FROM agent_daily_counts WHERE agent_id = ? AND day = ?`, agentID, day)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("daily count: %w", err)
	}
	return count, nil
}

// ClearCooldown removes the window for an agent. Idempotent.
func (s *Store) ClearCooldown(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_cooldowns WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}
