// Package sqlite persists normalized profiles and canonical activity in a
// local SQLite file, pairing with the SQLite checkpoint store for
// single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leadsignal/harvester/internal/harvest"
)

// Store implements harvest.ProfileStore on a local SQLite file. Upserts key
// on natural identifiers, so replaying an identical payload rewrites the
// same rows and the store stays idempotent.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	target_id  TEXT PRIMARY KEY,
	full_name  TEXT NOT NULL DEFAULT '',
	headline   TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	employment TEXT NOT NULL DEFAULT '[]',
	scraped_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS activity_groups (
	target_id       TEXT NOT NULL,
	engaged_url     TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	engaged_name    TEXT NOT NULL DEFAULT '',
	comment_text    TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	ts              TEXT NOT NULL DEFAULT '',
	kinds           TEXT NOT NULL,
	PRIMARY KEY (target_id, engaged_url, normalized_text)
);
`

// Open creates or opens the profile database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writes come from every agent; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply profile schema: %w", err)
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

// UpsertProfile writes or replaces the profile row for a target.
func (s *Store) UpsertProfile(ctx context.Context, p harvest.NormalizedProfile) error {
	employment, err := json.Marshal(p.Employment)
	if err != nil {
		return fmt.Errorf("marshal employment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (target_id, full_name, headline, location, email, employment, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_id) DO UPDATE SET
			full_name  = excluded.full_name,
			headline   = excluded.headline,
			location   = excluded.location,
			email      = excluded.email,
			employment = excluded.employment,
			scraped_at = excluded.scraped_at`,
		p.TargetID, p.FullName, p.Headline, p.Location, p.Email, string(employment), encodeTime(p.ScrapedAt))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// UpsertActivity writes each canonical group keyed by its fingerprint. A
// group that collides with a stored row merges into it first, so the kind
// union and comment fields accumulate across fetches.
func (s *Store) UpsertActivity(ctx context.Context, targetID string, groups []harvest.CanonicalActivityGroup) error {
	for _, g := range groups {
		merged, err := s.mergeStored(ctx, targetID, g)
		if err != nil {
			return err
		}
		kinds := make([]string, len(merged.Kinds))
		for i, k := range merged.Kinds {
			kinds[i] = string(k)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO activity_groups (target_id, engaged_url, normalized_text, engaged_name, comment_text, url, ts, kinds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (target_id, engaged_url, normalized_text) DO UPDATE SET
				engaged_name = excluded.engaged_name,
				comment_text = excluded.comment_text,
				url          = excluded.url,
				ts           = excluded.ts,
				kinds        = excluded.kinds`,
			targetID, merged.EngagedURL, merged.Text, merged.EngagedName, merged.CommentText, merged.URL,
			encodeTime(merged.Timestamp), strings.Join(kinds, ","))
		if err != nil {
			return fmt.Errorf("upsert activity group: %w", err)
		}
	}
	return nil
}

// mergeStored folds the stored row for the group's fingerprint into g.
// A missing row returns g unchanged. Each target is worked by one agent at
// a time, so the read and the following write do not race.
func (s *Store) mergeStored(ctx context.Context, targetID string, g harvest.CanonicalActivityGroup) (harvest.CanonicalActivityGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT engaged_name, comment_text, url, ts, kinds
		FROM activity_groups
		WHERE target_id = ? AND engaged_url = ? AND normalized_text = ?`,
		targetID, g.EngagedURL, g.Text)

	var engagedName, commentText, url, ts, kinds string
	err := row.Scan(&engagedName, &commentText, &url, &ts, &kinds)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return g, nil
	case err != nil:
		return g, fmt.Errorf("read activity group: %w", err)
	}

	stored := harvest.CanonicalActivityGroup{
		EngagedURL:  g.EngagedURL,
		EngagedName: engagedName,
		Text:        g.Text,
		CommentText: commentText,
		URL:         url,
		Timestamp:   decodeTime(ts),
	}
	for _, k := range strings.Split(kinds, ",") {
		if k != "" {
			stored.Kinds = append(stored.Kinds, harvest.ActivityKind(k))
		}
	}
	return stored.Merge(g), nil
}
