// Package postgres persists normalized profiles and canonical activity.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadsignal/harvester/internal/harvest"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvest.ProfileStore on Postgres. Both upserts key on
// natural identifiers, so replaying an identical payload rewrites the same
// rows and the store stays idempotent.
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
		CREATE TABLE IF NOT EXISTS profiles (
			target_id  TEXT PRIMARY KEY,
			full_name  TEXT NOT NULL DEFAULT '',
			headline   TEXT NOT NULL DEFAULT '',
			location   TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			employment JSONB NOT NULL DEFAULT '[]',
			scraped_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS activity_groups (
			target_id       TEXT NOT NULL,
			engaged_url     TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			engaged_name    TEXT NOT NULL DEFAULT '',
			comment_text    TEXT NOT NULL DEFAULT '',
			url             TEXT NOT NULL DEFAULT '',
			ts              TIMESTAMPTZ,
			kinds           TEXT[] NOT NULL,
			PRIMARY KEY (target_id, engaged_url, normalized_text)
		);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply profile schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertProfile writes or replaces the profile row for a target.
func (s *Store) UpsertProfile(ctx context.Context, p harvest.NormalizedProfile) error {
	employment, err := json.Marshal(p.Employment)
	if err != nil {
		return fmt.Errorf("marshal employment: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (target_id, full_name, headline, location, email, employment, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id) DO UPDATE SET
			full_name  = EXCLUDED.full_name,
			headline   = EXCLUDED.headline,
			location   = EXCLUDED.location,
			email      = EXCLUDED.email,
			employment = EXCLUDED.employment,
			scraped_at = EXCLUDED.scraped_at`,
		p.TargetID, p.FullName, p.Headline, p.Location, p.Email, employment, p.ScrapedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// upsertActivitySQL merges a conflicting row in the same statement: kinds
// union, first non-empty wins for names and urls, and comment provenance
// keeps its text and timestamp over later non-comment sightings.
const upsertActivitySQL = `
	INSERT INTO activity_groups (target_id, engaged_url, normalized_text, engaged_name, comment_text, url, ts, kinds)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (target_id, engaged_url, normalized_text) DO UPDATE SET
		kinds = (
			SELECT array_agg(DISTINCT k)
			FROM unnest(activity_groups.kinds || EXCLUDED.kinds) AS k
		),
		engaged_name = CASE WHEN activity_groups.engaged_name <> ''
			THEN activity_groups.engaged_name ELSE EXCLUDED.engaged_name END,
		url = CASE WHEN activity_groups.url <> ''
			THEN activity_groups.url ELSE EXCLUDED.url END,
		comment_text = CASE WHEN activity_groups.comment_text <> ''
			THEN activity_groups.comment_text ELSE EXCLUDED.comment_text END,
		ts = CASE
			WHEN activity_groups.comment_text <> '' THEN activity_groups.ts
			WHEN EXCLUDED.comment_text <> '' THEN EXCLUDED.ts
			ELSE GREATEST(activity_groups.ts, EXCLUDED.ts)
		END`

// UpsertActivity writes each canonical group keyed by its fingerprint,
// accumulating the kind union and comment fields across fetches.
func (s *Store) UpsertActivity(ctx context.Context, targetID string, groups []harvest.CanonicalActivityGroup) error {
	for _, g := range groups {
		kinds := make([]string, len(g.Kinds))
		for i, k := range g.Kinds {
			kinds[i] = string(k)
		}
		_, err := s.pool.Exec(ctx, upsertActivitySQL,
			targetID, g.EngagedURL, g.Text, g.EngagedName, g.CommentText, g.URL, g.Timestamp, kinds)
		if err != nil {
			return fmt.Errorf("upsert activity group: %w", err)
		}
	}
	return nil
}
