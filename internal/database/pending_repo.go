package database

import (
	"context"
	"fmt"
	"time"
)

// PendingOp is the kind of a queued remote write
type PendingOp string

const (
	OpSet       PendingOp = "set"
	OpCreate    PendingOp = "create"
	OpDelete    PendingOp = "delete"
	OpIncrement PendingOp = "increment"
)

// PendingWrite is a remote write queued while the store was unreachable
type PendingWrite struct {
	Seq        int64     `db:"seq"`
	Partition  string    `db:"partition"`
	Collection string    `db:"collection"`
	DocID      string    `db:"doc_id"`
	Op         PendingOp `db:"op"`
	Value      string    `db:"value"`
	Field      string    `db:"field"`
	Delta      int64     `db:"delta"`
	LocalTS    int64     `db:"local_ts"`
	Attempts   int       `db:"attempts"`
	LastError  string    `db:"last_error"`
	CreatedAt  time.Time `db:"created_at"`
}

// EnqueueWrite appends a write to the queue. Set and delete writes replace
// older set/delete writes of the same key so only the latest one replays.
func (db *DB) EnqueueWrite(ctx context.Context, w *PendingWrite) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if w.Op == OpSet || w.Op == OpDelete {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM pending_writes WHERE partition = ? AND collection = ? AND doc_id = ? AND op IN (?, ?) AND local_ts <= ?`,
			w.Partition, w.Collection, w.DocID, OpSet, OpDelete, w.LocalTS,
		)
		if err != nil {
			return fmt.Errorf("failed to supersede pending writes: %w", err)
		}
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO pending_writes (partition, collection, doc_id, op, value, field, delta, local_ts, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		w.Partition, w.Collection, w.DocID, w.Op, w.Value, w.Field, w.Delta, w.LocalTS, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue write: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	w.Seq = seq
	w.CreatedAt = now
	return nil
}

// ListPendingWrites returns queued writes in enqueue order
func (db *DB) ListPendingWrites(ctx context.Context) ([]*PendingWrite, error) {
	var writes []*PendingWrite
	err := db.SelectContext(ctx, &writes, `SELECT * FROM pending_writes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	return writes, nil
}

// CountPendingWrites returns the queue length
func (db *DB) CountPendingWrites(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_writes`); err != nil {
		return 0, fmt.Errorf("failed to count pending writes: %w", err)
	}
	return n, nil
}

// HasPendingWrites reports whether a key has queued writes
func (db *DB) HasPendingWrites(ctx context.Context, partition, collection, docID string) (bool, error) {
	var n int
	err := db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pending_writes WHERE partition = ? AND collection = ? AND doc_id = ?`,
		partition, collection, docID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check pending writes: %w", err)
	}
	return n > 0, nil
}

// DeletePendingWrite removes a replayed or abandoned write
func (db *DB) DeletePendingWrite(ctx context.Context, seq int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM pending_writes WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to delete pending write: %w", err)
	}
	return nil
}

// MarkPendingAttempt records a failed replay attempt
func (db *DB) MarkPendingAttempt(ctx context.Context, seq int64, lastErr string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE pending_writes SET attempts = attempts + 1, last_error = ? WHERE seq = ?`,
		lastErr, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark pending attempt: %w", err)
	}
	return nil
}

// MaxLocalTS returns the highest local timestamp written to the cache or queue
func (db *DB) MaxLocalTS(ctx context.Context) (int64, error) {
	var ts int64
	err := db.GetContext(ctx, &ts, `
		SELECT MAX(ts) FROM (
			SELECT COALESCE(MAX(local_ts), 0) AS ts FROM cache_entries
			UNION ALL
			SELECT COALESCE(MAX(local_ts), 0) AS ts FROM pending_writes
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to read max local timestamp: %w", err)
	}
	return ts, nil
}
