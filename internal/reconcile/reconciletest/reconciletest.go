// Package reconciletest builds reconcilers backed by a temporary cache for tests.
package reconciletest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixelka/smsguard/internal/database"
	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/store"
)

// Logger discards everything
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Cache opens a migrated cache database in a temporary directory
func Cache(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// New returns a reconciler over remote with a fresh cache
func New(t testing.TB, remote store.Store) *reconcile.Reconciler {
	t.Helper()
	return NewWithCache(t, remote, Cache(t))
}

// NewWithCache returns a reconciler over remote and an existing cache
func NewWithCache(t testing.TB, remote store.Store, cache *database.DB) *reconcile.Reconciler {
	t.Helper()

	r, err := reconcile.New(context.Background(), remote, cache, metrics.New(nil), Logger(), reconcile.Options{
		ReplayInterval:  time.Hour,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      10 * time.Millisecond,
		MaxRetryElapsed: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}
