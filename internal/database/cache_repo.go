package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// CacheEntry is a locally cached remote document
type CacheEntry struct {
	Partition  string    `db:"partition"`
	Collection string    `db:"collection"`
	DocID      string    `db:"doc_id"`
	Value      string    `db:"value"`   // JSON document, empty when deleted
	Deleted    bool      `db:"deleted"` // tombstone for a pending delete
	Pending    bool      `db:"pending"` // local write not yet committed remotely
	LocalTS    int64     `db:"local_ts"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// GetCacheEntry returns a cached document
func (db *DB) GetCacheEntry(ctx context.Context, partition, collection, docID string) (*CacheEntry, error) {
	var entry CacheEntry
	query := `SELECT * FROM cache_entries WHERE partition = ? AND collection = ? AND doc_id = ?`
	err := db.GetContext(ctx, &entry, query, partition, collection, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// ListCacheEntries returns the cached documents of a collection, tombstones included
func (db *DB) ListCacheEntries(ctx context.Context, partition, collection string) ([]*CacheEntry, error) {
	var entries []*CacheEntry
	query := `SELECT * FROM cache_entries WHERE partition = ? AND collection = ? ORDER BY doc_id`
	err := db.SelectContext(ctx, &entries, query, partition, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	return entries, nil
}

// PutCacheEntry inserts or replaces a cached document
func (db *DB) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	query := `
		INSERT INTO cache_entries (partition, collection, doc_id, value, deleted, pending, local_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, collection, doc_id) DO UPDATE SET
			value = excluded.value,
			deleted = excluded.deleted,
			pending = excluded.pending,
			local_ts = excluded.local_ts,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		entry.Partition,
		entry.Collection,
		entry.DocID,
		entry.Value,
		entry.Deleted,
		entry.Pending,
		entry.LocalTS,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	entry.UpdatedAt = now
	return nil
}

// SetCachePending updates the pending flag of a cached document
func (db *DB) SetCachePending(ctx context.Context, partition, collection, docID string, pending bool) error {
	query := `UPDATE cache_entries SET pending = ?, updated_at = ? WHERE partition = ? AND collection = ? AND doc_id = ?`
	_, err := db.ExecContext(ctx, query, pending, time.Now(), partition, collection, docID)
	if err != nil {
		return fmt.Errorf("failed to set cache pending: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes a cached document
func (db *DB) DeleteCacheEntry(ctx context.Context, partition, collection, docID string) error {
	query := `DELETE FROM cache_entries WHERE partition = ? AND collection = ? AND doc_id = ?`
	_, err := db.ExecContext(ctx, query, partition, collection, docID)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
