package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/parser"
	"github.com/mixelka/smsguard/internal/reconcile/reconciletest"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

var capturedAt = time.Date(2026, 4, 2, 18, 30, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, remote *store.Memory, failOpen bool) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	return New(reconciletest.New(t, remote), parser.NewNormalizer(), m, reconciletest.Logger(), failOpen), m
}

func testMessage(id string) models.RawMessage {
	return models.RawMessage{
		ID:         id,
		Text:       "Your parcel is held. Pay the fee at http://pkg-fee.example",
		Sender:     "+15550001",
		CapturedAt: capturedAt,
	}
}

func TestFingerprintIsContentAddressed(t *testing.T) {
	r, _ := newTestRegistry(t, store.NewMemory(), true)

	a := testMessage("device-a-17")
	b := testMessage("device-b-3")
	b.Text = "  YOUR parcel is   held. Pay the fee at http://pkg-fee.example "

	assert.Equal(t, r.Fingerprint(a), r.Fingerprint(b))
	assert.Len(t, r.Fingerprint(a), fingerprintWidth)

	otherSender := a
	otherSender.Sender = "+15550002"
	assert.NotEqual(t, r.Fingerprint(a), r.Fingerprint(otherSender))

	otherTime := a
	otherTime.CapturedAt = capturedAt.Add(time.Second)
	assert.NotEqual(t, r.Fingerprint(a), r.Fingerprint(otherTime))
}

func TestRegisterThenCheck(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, store.NewMemory(), true)
	msg := testMessage("m1")

	check, err := r.CheckDuplicate(ctx, msg)
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)

	reg, err := r.Register(ctx, msg, "acc-a")
	require.NoError(t, err)
	assert.True(t, reg.Registered)
	assert.Equal(t, check.FingerprintID, reg.FingerprintID)

	check, err = r.CheckDuplicate(ctx, msg)
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, "acc-a", check.OriginAccountID)
}

func TestConcurrentRegistrationHasOneWinner(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	regA, _ := newTestRegistry(t, remote, true)
	regB, _ := newTestRegistry(t, remote, true)

	msgA := testMessage("device-a-1")
	msgB := testMessage("device-b-9")

	var wg sync.WaitGroup
	results := make([]RegisterResult, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = regA.Register(ctx, msgA, "acc-a")
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = regB.Register(ctx, msgB, "acc-b")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotEqual(t, results[0].Registered, results[1].Registered, "exactly one registration must win")

	winner, loserReg, loserMsg := "acc-a", regB, msgB
	if results[1].Registered {
		winner, loserReg, loserMsg = "acc-b", regA, msgA
	}
	assert.Equal(t, winner, results[0].OriginAccountID)
	assert.Equal(t, winner, results[1].OriginAccountID)

	check, err := loserReg.CheckDuplicate(ctx, loserMsg)
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, winner, check.OriginAccountID)

	doc, err := remote.Get(ctx, store.GlobalKey(store.CollectionFingerprints, check.FingerprintID))
	require.NoError(t, err)
	assert.Equal(t, winner, doc["origin_account_id"])
	assert.EqualValues(t, 2, doc[observationField])
}

func TestOriginRetryIsNotAnObservation(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, m := newTestRegistry(t, remote, true)
	msg := testMessage("m1")

	_, err := r.Register(ctx, msg, "acc-a")
	require.NoError(t, err)
	again, err := r.Register(ctx, msg, "acc-a")
	require.NoError(t, err)
	assert.False(t, again.Registered)
	assert.Equal(t, "acc-a", again.OriginAccountID)

	fp, err := r.Lookup(ctx, r.Fingerprint(msg))
	require.NoError(t, err)
	assert.Equal(t, int64(1), fp.ObservationCount)
	assert.Zero(t, testutil.ToFloat64(m.DuplicatesTotal))
}

func TestRepeatedForeignObservationIsCountedOnce(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, m := newTestRegistry(t, remote, true)
	msg := testMessage("m1")

	_, err := r.Register(ctx, msg, "acc-a")
	require.NoError(t, err)

	for range 3 {
		reg, err := r.Register(ctx, msg, "acc-b")
		require.NoError(t, err)
		assert.Equal(t, "acc-a", reg.OriginAccountID)
	}
	_, err = r.Register(ctx, msg, "acc-c")
	require.NoError(t, err)

	fp, err := r.Lookup(ctx, r.Fingerprint(msg))
	require.NoError(t, err)
	assert.Equal(t, int64(3), fp.ObservationCount)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DuplicatesTotal))

	markers, err := remote.List(ctx, store.GlobalPartition, store.CollectionObservations)
	require.NoError(t, err)
	assert.Len(t, markers, 2)
}

func TestCheckFailsOpenWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, m := newTestRegistry(t, remote, true)

	remote.SetAvailable(false)
	check, err := r.CheckDuplicate(ctx, testMessage("m1"))
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)
	assert.True(t, check.FailedOpen)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegistryFailOpen))
}

func TestCheckFailsClosedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, m := newTestRegistry(t, remote, false)

	remote.SetAvailable(false)
	check, err := r.CheckDuplicate(ctx, testMessage("m1"))
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.False(t, check.FailedOpen)
	assert.Empty(t, check.OriginAccountID)
	assert.Zero(t, testutil.ToFloat64(m.RegistryFailOpen))
}

func TestRegisterOfflineIsQueued(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, _ := newTestRegistry(t, remote, true)
	msg := testMessage("m1")

	remote.SetAvailable(false)
	reg, err := r.Register(ctx, msg, "acc-a")
	require.NoError(t, err)
	assert.True(t, reg.Queued)
	assert.False(t, reg.Registered)

	// the local copy already answers duplicate checks
	check, err := r.CheckDuplicate(ctx, msg)
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, "acc-a", check.OriginAccountID)
}

func TestPermissionDeniedIsSurfaced(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	r, _ := newTestRegistry(t, remote, true)
	remote.DenyPartition(store.GlobalPartition, true)

	_, err := r.CheckDuplicate(ctx, testMessage("m1"))
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = r.Register(ctx, testMessage("m1"), "acc-a")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}
