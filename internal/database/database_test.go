package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestCacheEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.GetCacheEntry(ctx, "acc-1", "alerts", "m1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.PutCacheEntry(ctx, &CacheEntry{
		Partition:  "acc-1",
		Collection: "alerts",
		DocID:      "m1",
		Value:      `{"severity":"high"}`,
		Pending:    true,
		LocalTS:    42,
	}))

	entry, err := db.GetCacheEntry(ctx, "acc-1", "alerts", "m1")
	require.NoError(t, err)
	assert.Equal(t, `{"severity":"high"}`, entry.Value)
	assert.True(t, entry.Pending)
	assert.False(t, entry.Deleted)
	assert.Equal(t, int64(42), entry.LocalTS)

	require.NoError(t, db.SetCachePending(ctx, "acc-1", "alerts", "m1", false))
	entry, err = db.GetCacheEntry(ctx, "acc-1", "alerts", "m1")
	require.NoError(t, err)
	assert.False(t, entry.Pending)

	require.NoError(t, db.DeleteCacheEntry(ctx, "acc-1", "alerts", "m1"))
	_, err = db.GetCacheEntry(ctx, "acc-1", "alerts", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCacheEntriesScopedToCollection(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, e := range []*CacheEntry{
		{Partition: "acc-1", Collection: "alerts", DocID: "b", Value: "{}"},
		{Partition: "acc-1", Collection: "alerts", DocID: "a", Value: "{}"},
		{Partition: "acc-1", Collection: "alerts", DocID: "c", Deleted: true, Pending: true},
		{Partition: "acc-1", Collection: "messages", DocID: "x", Value: "{}"},
		{Partition: "acc-2", Collection: "alerts", DocID: "y", Value: "{}"},
	} {
		require.NoError(t, db.PutCacheEntry(ctx, e))
	}

	entries, err := db.ListCacheEntries(ctx, "acc-1", "alerts")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].DocID)
	assert.Equal(t, "b", entries[1].DocID)
	assert.True(t, entries[2].Deleted)
}

func TestEnqueueWriteSupersedesOlderSets(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	writes := []*PendingWrite{
		{Partition: "acc-1", Collection: "scan_state", DocID: "cursor", Op: OpSet, Value: `{"v":1}`, LocalTS: 1},
		{Partition: "global", Collection: "fingerprints", DocID: "fp", Op: OpIncrement, Field: "observation_count", Delta: 1, LocalTS: 2},
		{Partition: "acc-1", Collection: "scan_state", DocID: "cursor", Op: OpSet, Value: `{"v":2}`, LocalTS: 3},
	}
	for _, w := range writes {
		require.NoError(t, db.EnqueueWrite(ctx, w))
	}

	queued, err := db.ListPendingWrites(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, OpIncrement, queued[0].Op)
	assert.Equal(t, `{"v":2}`, queued[1].Value)

	n, err := db.CountPendingWrites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := db.HasPendingWrites(ctx, "acc-1", "scan_state", "cursor")
	require.NoError(t, err)
	assert.True(t, pending)

	ts, err := db.MaxLocalTS(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ts)
}

func TestIncrementsAreNeverCollapsed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, db.EnqueueWrite(ctx, &PendingWrite{
			Partition:  "global",
			Collection: "fingerprints",
			DocID:      "fp",
			Op:         OpIncrement,
			Field:      "observation_count",
			Delta:      1,
			LocalTS:    i,
		}))
	}

	n, err := db.CountPendingWrites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMarkAndDeletePendingWrite(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	w := &PendingWrite{Partition: "acc-1", Collection: "alerts", DocID: "m1", Op: OpCreate, Value: "{}", LocalTS: 7}
	require.NoError(t, db.EnqueueWrite(ctx, w))
	require.NotZero(t, w.Seq)

	require.NoError(t, db.MarkPendingAttempt(ctx, w.Seq, "remote store unavailable"))
	queued, err := db.ListPendingWrites(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, "remote store unavailable", queued[0].LastError)

	require.NoError(t, db.DeletePendingWrite(ctx, w.Seq))
	pending, err := db.HasPendingWrites(ctx, "acc-1", "alerts", "m1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMaxLocalTSEmpty(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.MaxLocalTS(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ts)
}
