package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/harvest"
)

func TestUpsertProfileWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	scrapedAt := time.Unix(1700000000, 0).UTC()
	p := harvest.NormalizedProfile{
		TargetID:  "target-1",
		FullName:  "Ada Lovelace",
		Headline:  "Engineering Lead",
		Location:  "London",
		Email:     "ada@example.com",
		ScrapedAt: scrapedAt,
	}

	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("target-1", "Ada Lovelace", "Engineering Lead", "London", "ada@example.com", []byte("null"), scrapedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertProfile(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertActivityWritesEachGroup(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	groups := []harvest.CanonicalActivityGroup{
		{
			EngagedURL: "https://example.com/posts/1",
			Text:       "hello world",
			Timestamp:  ts,
			Kinds:      []harvest.ActivityKind{harvest.KindReaction, harvest.KindComment},
			CommentText: "nice!",
		},
		{
			EngagedURL: "https://example.com/posts/2",
			Text:       "second",
			Timestamp:  ts,
			Kinds:      []harvest.ActivityKind{harvest.KindPost},
		},
	}

	mock.ExpectExec("INSERT INTO activity_groups").
		WithArgs("target-1", "https://example.com/posts/1", "hello world", "", "nice!", "", ts, []string{"reaction", "comment"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO activity_groups").
		WithArgs("target-1", "https://example.com/posts/2", "second", "", "", "", ts, []string{"post"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertActivity(context.Background(), "target-1", groups))
	require.NoError(t, mock.ExpectationsWereMet())
}
