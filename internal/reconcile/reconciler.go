package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mixelka/smsguard/internal/database"
	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/store"
)

// LocalTSField carries the local monotonic write timestamp of client-owned
// documents. Replay compares it to resolve last-write-wins conflicts.
const LocalTSField = "_local_ts"

// Options tunes replay behaviour
type Options struct {
	ReplayInterval  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxRetryElapsed time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.ReplayInterval <= 0 {
		o.ReplayInterval = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxRetryElapsed <= 0 {
		o.MaxRetryElapsed = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Reconciler serves reads from the local cache first, writes through to the
// remote store and queues writes while the remote store is unreachable
type Reconciler struct {
	remote  store.Store
	cache   *database.DB
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   *clock
	opts    Options
	kick    chan struct{}
}

// WriteResult reports whether a write reached the remote store
type WriteResult struct {
	CommittedRemotely bool
}

// CreateResult is the outcome of a create-if-absent write
type CreateResult struct {
	Created  bool
	Queued   bool
	Existing store.Document // set when another writer created the key first
}

// ReplayReport summarizes one pass over the pending queue
type ReplayReport struct {
	Replayed   int
	Superseded int
	Conflicts  int
	Rejected   int
	Remaining  int
}

// New creates a reconciler over a remote store and a local cache
func New(ctx context.Context, remote store.Store, cache *database.DB, m *metrics.Metrics, logger *slog.Logger, opts Options) (*Reconciler, error) {
	opts.setDefaults()

	last, err := cache.MaxLocalTS(ctx)
	if err != nil {
		return nil, err
	}

	r := &Reconciler{
		remote:  remote,
		cache:   cache,
		metrics: m,
		logger:  logger.With("component", "reconciler"),
		clock:   newClock(last, opts.Now),
		opts:    opts,
		kick:    make(chan struct{}, 1),
	}
	r.updatePendingGauge(ctx)
	return r, nil
}

// Read returns the cached document, falling back to the remote store on a miss
func (r *Reconciler) Read(ctx context.Context, key store.Key) (store.Document, error) {
	entry, err := r.cache.GetCacheEntry(ctx, key.Partition, key.Collection, key.ID)
	if err == nil {
		if entry.Deleted {
			return nil, store.ErrNotFound
		}
		return decodeEntry(entry)
	}
	if !errors.Is(err, database.ErrNotFound) {
		r.logger.Warn("cache read failed", "key", key.String(), "error", err)
	}

	doc, err := r.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r.cacheRemote(ctx, key, doc, false)
	return doc, nil
}

// ReadRemote prefers the remote copy and falls back to the cache when the
// remote store is unreachable
func (r *Reconciler) ReadRemote(ctx context.Context, key store.Key) (store.Document, error) {
	doc, err := r.remote.Get(ctx, key)
	switch {
	case err == nil:
		r.cacheRemote(ctx, key, doc, false)
		return doc, nil
	case IsNetworkError(err):
		entry, cerr := r.cache.GetCacheEntry(ctx, key.Partition, key.Collection, key.ID)
		if cerr != nil || entry.Deleted {
			return nil, err
		}
		r.logger.Debug("serving cached copy", "key", key.String())
		return decodeEntry(entry)
	default:
		return nil, err
	}
}

// List returns a collection from the remote store with local pending writes
// applied on top. When the remote store is unreachable the cached copy is served.
func (r *Reconciler) List(ctx context.Context, partition, collection string) ([]store.Record, error) {
	entries, err := r.cache.ListCacheEntries(ctx, partition, collection)
	if err != nil {
		return nil, err
	}

	records, err := r.remote.List(ctx, partition, collection)
	if err != nil {
		if !IsNetworkError(err) {
			return nil, err
		}
		r.logger.Debug("serving cached collection", "partition", partition, "collection", collection)
		return entriesToRecords(entries)
	}

	pending := make(map[string]*database.CacheEntry)
	for _, e := range entries {
		if e.Pending {
			pending[e.DocID] = e
		}
	}

	out := make([]store.Record, 0, len(records)+len(pending))
	for _, rec := range records {
		if _, ok := pending[rec.Key.ID]; ok {
			continue
		}
		r.cacheRemote(ctx, rec.Key, rec.Document, false)
		out = append(out, rec)
	}
	for _, e := range pending {
		if e.Deleted {
			continue
		}
		doc, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Record{Key: entryKey(e), Document: doc})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

// Write stores a client-owned document. On a network failure the write is
// queued and the cached copy is marked pending; permission errors are returned
// without queueing.
func (r *Reconciler) Write(ctx context.Context, key store.Key, doc store.Document) (WriteResult, error) {
	ts := r.clock.next()
	doc = doc.Clone()
	doc[LocalTSField] = ts

	value, err := json.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}

	previous := r.snapshot(ctx, key)
	if err := r.cache.PutCacheEntry(ctx, &database.CacheEntry{
		Partition:  key.Partition,
		Collection: key.Collection,
		DocID:      key.ID,
		Value:      string(value),
		Pending:    true,
		LocalTS:    ts,
	}); err != nil {
		return WriteResult{}, err
	}

	err = r.remote.Set(ctx, key, doc)
	switch {
	case err == nil:
		r.settle(ctx, key, false)
		return WriteResult{CommittedRemotely: true}, nil
	case IsNetworkError(err):
		if qerr := r.enqueue(ctx, key, database.OpSet, string(value), "", 0, ts); qerr != nil {
			return WriteResult{}, qerr
		}
		r.logger.Info("remote store unreachable, write queued", "key", key.String())
		return WriteResult{}, nil
	default:
		r.restore(ctx, key, previous)
		return WriteResult{}, fmt.Errorf("failed to write %s: %w", key, err)
	}
}

// Create writes a document only if the key is free remotely. The first
// writer always wins: a conflicting remote document replaces the local copy.
func (r *Reconciler) Create(ctx context.Context, key store.Key, doc store.Document) (CreateResult, error) {
	err := r.remote.CreateIfAbsent(ctx, key, doc)
	switch {
	case err == nil:
		r.cacheRemote(ctx, key, doc, true)
		return CreateResult{Created: true}, nil

	case errors.Is(err, store.ErrAlreadyExists):
		existing, gerr := r.remote.Get(ctx, key)
		if gerr != nil {
			return CreateResult{}, fmt.Errorf("failed to fetch existing %s: %w", key, gerr)
		}
		r.cacheRemote(ctx, key, existing, true)
		return CreateResult{Existing: existing}, nil

	case IsNetworkError(err):
		entry, cerr := r.cache.GetCacheEntry(ctx, key.Partition, key.Collection, key.ID)
		if cerr == nil && !entry.Deleted {
			if entry.Pending {
				return CreateResult{Queued: true}, nil
			}
			existing, derr := decodeEntry(entry)
			if derr != nil {
				return CreateResult{}, derr
			}
			return CreateResult{Existing: existing}, nil
		}

		ts := r.clock.next()
		value, merr := json.Marshal(doc)
		if merr != nil {
			return CreateResult{}, fmt.Errorf("failed to encode %s: %w", key, merr)
		}
		if perr := r.cache.PutCacheEntry(ctx, &database.CacheEntry{
			Partition:  key.Partition,
			Collection: key.Collection,
			DocID:      key.ID,
			Value:      string(value),
			Pending:    true,
			LocalTS:    ts,
		}); perr != nil {
			return CreateResult{}, perr
		}
		if qerr := r.enqueue(ctx, key, database.OpCreate, string(value), "", 0, ts); qerr != nil {
			return CreateResult{}, qerr
		}
		r.logger.Info("remote store unreachable, create queued", "key", key.String())
		return CreateResult{Queued: true}, nil

	default:
		return CreateResult{}, fmt.Errorf("failed to create %s: %w", key, err)
	}
}

// Increment adds delta to a numeric field, queueing the increment when offline
func (r *Reconciler) Increment(ctx context.Context, key store.Key, field string, delta int64) (WriteResult, error) {
	err := r.remote.Increment(ctx, key, field, delta)
	switch {
	case err == nil:
		r.bumpCached(ctx, key, field, delta)
		return WriteResult{CommittedRemotely: true}, nil
	case IsNetworkError(err):
		if qerr := r.enqueue(ctx, key, database.OpIncrement, "", field, delta, r.clock.next()); qerr != nil {
			return WriteResult{}, qerr
		}
		r.bumpCached(ctx, key, field, delta)
		return WriteResult{}, nil
	default:
		return WriteResult{}, fmt.Errorf("failed to increment %s: %w", key, err)
	}
}

// Delete removes a client-owned document, queueing the delete when offline
func (r *Reconciler) Delete(ctx context.Context, key store.Key) (WriteResult, error) {
	ts := r.clock.next()
	previous := r.snapshot(ctx, key)

	if err := r.cache.PutCacheEntry(ctx, &database.CacheEntry{
		Partition:  key.Partition,
		Collection: key.Collection,
		DocID:      key.ID,
		Deleted:    true,
		Pending:    true,
		LocalTS:    ts,
	}); err != nil {
		return WriteResult{}, err
	}

	err := r.remote.Delete(ctx, key)
	switch {
	case err == nil:
		r.settle(ctx, key, true)
		return WriteResult{CommittedRemotely: true}, nil
	case IsNetworkError(err):
		if qerr := r.enqueue(ctx, key, database.OpDelete, "", "", 0, ts); qerr != nil {
			return WriteResult{}, qerr
		}
		return WriteResult{}, nil
	default:
		r.restore(ctx, key, previous)
		return WriteResult{}, fmt.Errorf("failed to delete %s: %w", key, err)
	}
}

// Replay pushes queued writes to the remote store in enqueue order. It stops at
// the first network error; permission and other permanent failures drop the
// offending write.
func (r *Reconciler) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	defer r.updatePendingGauge(ctx)

	writes, err := r.cache.ListPendingWrites(ctx)
	if err != nil {
		return report, err
	}

	for i, w := range writes {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(writes) - i
			return report, err
		}

		key := store.Key{Partition: w.Partition, Collection: w.Collection, ID: w.DocID}
		outcome, err := r.replayOne(ctx, key, w)
		if err != nil {
			if IsNetworkError(err) {
				if merr := r.cache.MarkPendingAttempt(ctx, w.Seq, err.Error()); merr != nil {
					r.logger.Warn("failed to record replay attempt", "seq", w.Seq, "error", merr)
				}
				report.Remaining = len(writes) - i
				return report, err
			}

			r.logger.Error("dropping queued write", "key", key.String(), "op", w.Op, "error", err)
			outcome = "rejected"
			report.Rejected++
		}

		if err := r.cache.DeletePendingWrite(ctx, w.Seq); err != nil {
			return report, err
		}
		r.settle(ctx, key, outcome == "rejected" || (w.Op == database.OpDelete && outcome == "replayed"))

		switch outcome {
		case "replayed":
			report.Replayed++
		case "superseded":
			report.Superseded++
		case "conflict":
			report.Conflicts++
		}
		r.metrics.ReplayedWrites.WithLabelValues(outcome).Inc()
	}

	return report, nil
}

func (r *Reconciler) replayOne(ctx context.Context, key store.Key, w *database.PendingWrite) (string, error) {
	switch w.Op {
	case database.OpSet:
		remoteDoc, err := r.remote.Get(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if err == nil && localTS(remoteDoc) > w.LocalTS {
			r.cacheRemote(ctx, key, remoteDoc, true)
			return "superseded", nil
		}

		var doc store.Document
		if err := json.Unmarshal([]byte(w.Value), &doc); err != nil {
			return "", fmt.Errorf("corrupt queued document %s: %w", key, err)
		}
		if err := r.remote.Set(ctx, key, doc); err != nil {
			return "", err
		}
		return "replayed", nil

	case database.OpCreate:
		var doc store.Document
		if err := json.Unmarshal([]byte(w.Value), &doc); err != nil {
			return "", fmt.Errorf("corrupt queued document %s: %w", key, err)
		}
		err := r.remote.CreateIfAbsent(ctx, key, doc)
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, gerr := r.remote.Get(ctx, key)
			if gerr != nil {
				return "", gerr
			}
			r.cacheRemote(ctx, key, existing, true)
			return "conflict", nil
		}
		if err != nil {
			return "", err
		}
		return "replayed", nil

	case database.OpDelete:
		if err := r.remote.Delete(ctx, key); err != nil {
			return "", err
		}
		return "replayed", nil

	case database.OpIncrement:
		err := r.remote.Increment(ctx, key, w.Field, w.Delta)
		if errors.Is(err, store.ErrNotFound) {
			return "superseded", nil
		}
		if err != nil {
			return "", err
		}
		return "replayed", nil

	default:
		return "", fmt.Errorf("unknown queued op %q", w.Op)
	}
}

// Run replays the queue on every interval tick or Kick until ctx is done
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.opts.ReplayInterval)

	ticker := time.NewTicker(r.opts.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.replayWithBackoff(ctx)
	}
}

// Kick requests an immediate replay
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) replayWithBackoff(ctx context.Context) {
	n, err := r.cache.CountPendingWrites(ctx)
	if err != nil {
		r.logger.Error("failed to count pending writes", "error", err)
		return
	}
	if n == 0 {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff

	report, err := backoff.Retry(ctx, func() (ReplayReport, error) {
		report, err := r.Replay(ctx)
		if err != nil && !IsNetworkError(err) {
			return report, backoff.Permanent(err)
		}
		return report, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(r.opts.MaxRetryElapsed))
	if err != nil {
		r.logger.Warn("replay incomplete", "remaining", report.Remaining, "error", err)
		return
	}

	r.logger.Info("pending writes replayed",
		"replayed", report.Replayed,
		"superseded", report.Superseded,
		"conflicts", report.Conflicts,
		"rejected", report.Rejected,
	)
}

// Watch mirrors remote changes of a collection into the cache until ctx is
// done. Keys with pending local writes are left alone.
func (r *Reconciler) Watch(ctx context.Context, partition, collection string) error {
	changes, err := r.remote.Subscribe(ctx, partition, collection)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s/%s: %w", partition, collection, err)
	}

	for change := range changes {
		switch change.Type {
		case store.ChangeSet:
			r.cacheRemote(ctx, change.Key, change.Document, false)
		case store.ChangeDelete:
			pending, err := r.cache.HasPendingWrites(ctx, change.Key.Partition, change.Key.Collection, change.Key.ID)
			if err != nil || pending {
				continue
			}
			if err := r.cache.DeleteCacheEntry(ctx, change.Key.Partition, change.Key.Collection, change.Key.ID); err != nil {
				r.logger.Warn("failed to drop cached document", "key", change.Key.String(), "error", err)
			}
		}
	}
	return ctx.Err()
}

// Pending returns the number of queued writes
func (r *Reconciler) Pending(ctx context.Context) (int, error) {
	return r.cache.CountPendingWrites(ctx)
}

func (r *Reconciler) enqueue(ctx context.Context, key store.Key, op database.PendingOp, value, field string, delta, ts int64) error {
	err := r.cache.EnqueueWrite(ctx, &database.PendingWrite{
		Partition:  key.Partition,
		Collection: key.Collection,
		DocID:      key.ID,
		Op:         op,
		Value:      value,
		Field:      field,
		Delta:      delta,
		LocalTS:    ts,
	})
	if err != nil {
		return err
	}
	r.updatePendingGauge(ctx)
	return nil
}

// cacheRemote stores a remote copy. Unless force is set, a key with pending
// local writes keeps its local copy.
func (r *Reconciler) cacheRemote(ctx context.Context, key store.Key, doc store.Document, force bool) {
	if !force {
		pending, err := r.cache.HasPendingWrites(ctx, key.Partition, key.Collection, key.ID)
		if err != nil || pending {
			return
		}
	}

	value, err := json.Marshal(doc)
	if err != nil {
		r.logger.Warn("failed to encode remote document", "key", key.String(), "error", err)
		return
	}

	pending := false
	if force {
		// the queue may still hold writes for this key
		pending, _ = r.cache.HasPendingWrites(ctx, key.Partition, key.Collection, key.ID)
	}

	if err := r.cache.PutCacheEntry(ctx, &database.CacheEntry{
		Partition:  key.Partition,
		Collection: key.Collection,
		DocID:      key.ID,
		Value:      string(value),
		Pending:    pending,
		LocalTS:    localTS(doc),
	}); err != nil {
		r.logger.Warn("failed to cache remote document", "key", key.String(), "error", err)
	}
}

// settle clears the pending flag once no queued writes remain for the key.
// With drop set the cache entry is removed instead.
func (r *Reconciler) settle(ctx context.Context, key store.Key, drop bool) {
	pending, err := r.cache.HasPendingWrites(ctx, key.Partition, key.Collection, key.ID)
	if err != nil || pending {
		return
	}

	if drop {
		err = r.cache.DeleteCacheEntry(ctx, key.Partition, key.Collection, key.ID)
	} else {
		err = r.cache.SetCachePending(ctx, key.Partition, key.Collection, key.ID, false)
	}
	if err != nil {
		r.logger.Warn("failed to settle cache entry", "key", key.String(), "error", err)
	}
}

func (r *Reconciler) snapshot(ctx context.Context, key store.Key) *database.CacheEntry {
	entry, err := r.cache.GetCacheEntry(ctx, key.Partition, key.Collection, key.ID)
	if err != nil {
		return nil
	}
	return entry
}

func (r *Reconciler) restore(ctx context.Context, key store.Key, previous *database.CacheEntry) {
	var err error
	if previous == nil {
		err = r.cache.DeleteCacheEntry(ctx, key.Partition, key.Collection, key.ID)
	} else {
		err = r.cache.PutCacheEntry(ctx, previous)
	}
	if err != nil {
		r.logger.Warn("failed to restore cache entry", "key", key.String(), "error", err)
	}
}

func (r *Reconciler) bumpCached(ctx context.Context, key store.Key, field string, delta int64) {
	entry, err := r.cache.GetCacheEntry(ctx, key.Partition, key.Collection, key.ID)
	if err != nil || entry.Deleted {
		return
	}
	doc, err := decodeEntry(entry)
	if err != nil {
		return
	}
	doc[field] = float64(store.ToInt64(doc[field]) + delta)
	value, err := json.Marshal(doc)
	if err != nil {
		return
	}
	entry.Value = string(value)
	if err := r.cache.PutCacheEntry(ctx, entry); err != nil {
		r.logger.Warn("failed to update cached counter", "key", key.String(), "error", err)
	}
}

func (r *Reconciler) updatePendingGauge(ctx context.Context) {
	n, err := r.cache.CountPendingWrites(ctx)
	if err != nil {
		return
	}
	r.metrics.PendingWrites.Set(float64(n))
}

func decodeEntry(entry *database.CacheEntry) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(entry.Value), &doc); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s/%s/%s: %w", entry.Partition, entry.Collection, entry.DocID, err)
	}
	return doc, nil
}

func entriesToRecords(entries []*database.CacheEntry) ([]store.Record, error) {
	records := make([]store.Record, 0, len(entries))
	for _, e := range entries {
		if e.Deleted {
			continue
		}
		doc, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		records = append(records, store.Record{Key: entryKey(e), Document: doc})
	}
	return records, nil
}

func entryKey(e *database.CacheEntry) store.Key {
	return store.Key{Partition: e.Partition, Collection: e.Collection, ID: e.DocID}
}

func localTS(doc store.Document) int64 {
	return store.ToInt64(doc[LocalTSField])
}
