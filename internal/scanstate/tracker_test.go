package scanstate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/smsguard/internal/reconcile/reconciletest"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

var base = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, remote *store.Memory, now time.Time) *Tracker {
	t.Helper()
	tracker := NewTracker(reconciletest.New(t, remote), reconciletest.Logger())
	tracker.now = func() time.Time { return now }
	return tracker
}

func messagesAt(times ...time.Time) []models.RawMessage {
	msgs := make([]models.RawMessage, 0, len(times))
	for i, ts := range times {
		msgs = append(msgs, models.RawMessage{
			ID:         fmt.Sprintf("m%d", i),
			Text:       "text",
			Sender:     "+100",
			CapturedAt: ts,
		})
	}
	return msgs
}

func TestFirstScanReturnsEverything(t *testing.T) {
	tracker := newTestTracker(t, store.NewMemory(), base)
	msgs := messagesAt(base.Add(-time.Hour), base.Add(-48*time.Hour), base.Add(-time.Minute))

	result, err := tracker.FilterNewMessages(context.Background(), "acc-1", msgs, nil)
	require.NoError(t, err)
	assert.True(t, result.IsFirstScan)
	assert.False(t, result.AccountRecreated)
	assert.Len(t, result.ToAnalyze, 3)
}

func TestFilterIsIdempotentWithoutNewMessages(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)
	msgs := messagesAt(base.Add(-time.Hour), base.Add(-2*time.Hour))

	_, err := tracker.FilterNewMessages(ctx, "acc-1", msgs, nil)
	require.NoError(t, err)
	updated, err := tracker.CompleteScan(ctx, "acc-1", len(msgs))
	require.NoError(t, err)
	assert.True(t, updated)

	result, err := tracker.FilterNewMessages(ctx, "acc-1", msgs, nil)
	require.NoError(t, err)
	assert.False(t, result.IsFirstScan)
	assert.Empty(t, result.ToAnalyze)
}

func TestCompleteScanAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	tracker := newTestTracker(t, remote, base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	cursor, err := tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.LastScanAt.Equal(base))
	assert.Equal(t, 1, cursor.TotalScans)

	msgs := messagesAt(
		base.Add(time.Minute),
		base.Add(-time.Minute),
		base.Add(-time.Hour),
		base.Add(-2*time.Hour),
		base.Add(-3*time.Hour),
		base.Add(-4*time.Hour),
	)
	tracker.now = func() time.Time { return base.Add(time.Hour) }

	result, err := tracker.FilterNewMessages(ctx, "acc-1", msgs, nil)
	require.NoError(t, err)
	require.Len(t, result.ToAnalyze, 1)
	assert.Equal(t, "m0", result.ToAnalyze[0].ID)

	_, err = tracker.CompleteScan(ctx, "acc-1", 1)
	require.NoError(t, err)
	cursor, err = tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, cursor.LastScanAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, 2, cursor.TotalScans)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	tracker.now = func() time.Time { return base.Add(-time.Hour) }
	_, err = tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	cursor, err := tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, cursor.LastScanAt.Equal(base))
}

func TestAccountRecreationReturnsFullSet(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, &models.AccountInfo{AccountID: "acc-1", CreatedAt: base.Add(-24 * time.Hour)})
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	msgs := messagesAt(base.Add(-48*time.Hour), base.Add(-time.Hour), base.Add(2*time.Hour))
	tracker.now = func() time.Time { return base.Add(3 * time.Hour) }
	info := &models.AccountInfo{AccountID: "acc-1", CreatedAt: base.Add(time.Hour)}

	result, err := tracker.FilterNewMessages(ctx, "acc-1", msgs, info)
	require.NoError(t, err)
	assert.True(t, result.AccountRecreated)
	assert.Len(t, result.ToAnalyze, 3)

	cursor, err := tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = tracker.CompleteScan(ctx, "acc-1", len(msgs))
	require.NoError(t, err)
	cursor, err = tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.NotNil(t, cursor.AccountEpoch)
	assert.True(t, cursor.AccountEpoch.Equal(info.CreatedAt))
	assert.Equal(t, 1, cursor.TotalScans)

	result, err = tracker.FilterNewMessages(ctx, "acc-1", msgs, info)
	require.NoError(t, err)
	assert.False(t, result.AccountRecreated)
	assert.Empty(t, result.ToAnalyze)
}

func TestMissingAccountInfoFallsBackToTimestamps(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	msgs := messagesAt(base.Add(-time.Hour), base.Add(time.Minute))
	result, err := tracker.FilterNewMessages(ctx, "acc-1", msgs, nil)
	require.NoError(t, err)
	assert.False(t, result.AccountRecreated)
	require.Len(t, result.ToAnalyze, 1)
	assert.Equal(t, "m1", result.ToAnalyze[0].ID)
}

func TestCompleteScanWhileOfflineIsQueued(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	tracker := newTestTracker(t, remote, base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)

	remote.SetAvailable(false)
	updated, err := tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)
	assert.True(t, updated)

	cursor, err := tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.LastScanAt.Equal(base))
}

func TestPermissionDeniedIsSurfaced(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	tracker := newTestTracker(t, remote, base)
	remote.DenyPartition("acc-1", true)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", nil, nil)
	require.NoError(t, err)
	_, err = tracker.CompleteScan(ctx, "acc-1", 0)
	require.NoError(t, err)

	require.NoError(t, tracker.Reset(ctx, "acc-1"))

	result, err := tracker.FilterNewMessages(ctx, "acc-1", messagesAt(base.Add(-time.Hour)), nil)
	require.NoError(t, err)
	assert.True(t, result.IsFirstScan)
	assert.Len(t, result.ToAnalyze, 1)
}

func TestAbortLeavesCursorUntouched(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, store.NewMemory(), base)

	_, err := tracker.FilterNewMessages(ctx, "acc-1", messagesAt(base.Add(-time.Hour)), nil)
	require.NoError(t, err)
	tracker.Abort("acc-1")

	cursor, err := tracker.Cursor(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	result, err := tracker.FilterNewMessages(ctx, "acc-1", messagesAt(base.Add(-time.Hour)), nil)
	require.NoError(t, err)
	assert.True(t, result.IsFirstScan)
}
