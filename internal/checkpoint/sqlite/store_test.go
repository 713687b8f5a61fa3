package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/checkpoint"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestPutThenGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	markers := checkpoint.Markers{
		LastPost:    time.Unix(1700000000, 0).UTC(),
		LastComment: time.Unix(1700000100, 0).UTC(),
	}
	require.NoError(t, store.Put(ctx, "target-1", markers))

	cp, err := store.Get(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, cp.Markers.Equal(markers))
	require.True(t, cp.Markers.LastReaction.IsZero())
}

func TestGetMissingTarget(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	_, err := store.Get(context.Background(), "target-404")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestIdenticalReplayIsNoOp(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	markers := checkpoint.Markers{LastPost: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, store.Put(ctx, "target-1", markers))
	require.NoError(t, store.Put(ctx, "target-1", markers))
}

func TestStalePutRejected(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	newer := checkpoint.Markers{LastComment: time.Unix(1700000000, 0).UTC()}
	older := checkpoint.Markers{LastComment: time.Unix(1600000000, 0).UTC()}

	require.NoError(t, store.Put(ctx, "target-1", newer))
	require.ErrorIs(t, store.Put(ctx, "target-1", older), checkpoint.ErrStaleMarkers)

	cp, err := store.Get(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, cp.Markers.Equal(newer))
}

func TestPartialAdvanceMergesPerKind(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	first := checkpoint.Markers{
		LastPost:     time.Unix(1700001000, 0).UTC(),
		LastReaction: time.Unix(1700000100, 0).UTC(),
	}
	second := checkpoint.Markers{
		LastPost:     time.Unix(1700000500, 0).UTC(),
		LastReaction: time.Unix(1700000900, 0).UTC(),
	}
	require.NoError(t, store.Put(ctx, "target-1", first))
	require.NoError(t, store.Put(ctx, "target-1", second))

	cp, err := store.Get(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, cp.Markers.LastPost.Equal(first.LastPost))
	require.True(t, cp.Markers.LastReaction.Equal(second.LastReaction))
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)

	markers := checkpoint.Markers{LastPost: time.Unix(1700000000, 0).UTC()}
	until := time.Unix(1700007200, 0).UTC()
	require.NoError(t, store.Put(ctx, "target-1", markers))
	require.NoError(t, store.MarkProcessed(ctx, "target-1"))
	require.NoError(t, store.SetCooldown(ctx, "agent-1", until))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Get(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, cp.Markers.Equal(markers))
	require.True(t, cp.Processed)

	cd, ok, err := reopened.GetCooldown(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cd.Until.Equal(until))
}

func TestMarkProcessedBeforeAnyPut(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessed(ctx, "target-1"))

	done, err := store.IsProcessed(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, done)

	cp, err := store.Get(ctx, "target-1")
	require.NoError(t, err)
	require.True(t, cp.Markers.IsZero())
}

func TestDailyCountSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)

	count, err := store.AddDailyCount(ctx, "agent-1", "2024-06-01", 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = store.AddDailyCount(ctx, "agent-1", "2024-06-01", 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	count, err = reopened.DailyCount(ctx, "agent-1", "2024-06-01")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = reopened.DailyCount(ctx, "agent-1", "2024-06-02")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestClearCooldownIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ClearCooldown(ctx, "agent-1"))
	require.NoError(t, store.SetCooldown(ctx, "agent-1", time.Unix(1700000000, 0).UTC()))
	require.NoError(t, store.ClearCooldown(ctx, "agent-1"))

	_, ok, err := store.GetCooldown(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, ok)
}
