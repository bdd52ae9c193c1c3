package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs single-node deployments without
// MongoDB and can simulate outages and permission failures.
type Memory struct {
	mu          sync.Mutex
	docs        map[Key]Document
	unavailable bool
	denied      map[string]bool
	subs        map[subKey][]chan Change
}

type subKey struct {
	partition  string
	collection string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[Key]Document),
		denied: make(map[string]bool),
		subs:   make(map[subKey][]chan Change),
	}
}

// SetAvailable toggles simulated connectivity
func (m *Memory) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = !available
}

// DenyPartition makes every operation on the partition fail with ErrPermissionDenied
func (m *Memory) DenyPartition(partition string, denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[partition] = denied
}

func (m *Memory) check(partition string) error {
	if m.unavailable {
		return ErrUnavailable
	}
	if m.denied[partition] {
		return fmt.Errorf("partition %s: %w", partition, ErrPermissionDenied)
	}
	return nil
}

// Get returns a copy of the document at key
func (m *Memory) Get(ctx context.Context, key Key) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key.Partition); err != nil {
		return nil, err
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Set writes or replaces the document at key
func (m *Memory) Set(ctx context.Context, key Key, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key.Partition); err != nil {
		return err
	}
	m.docs[key] = doc.Clone()
	m.notify(Change{Type: ChangeSet, Key: key, Document: doc.Clone()})
	return nil
}

// CreateIfAbsent writes the document only if the key is free
func (m *Memory) CreateIfAbsent(ctx context.Context, key Key, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key.Partition); err != nil {
		return err
	}
	if _, exists := m.docs[key]; exists {
		return ErrAlreadyExists
	}
	m.docs[key] = doc.Clone()
	m.notify(Change{Type: ChangeSet, Key: key, Document: doc.Clone()})
	return nil
}

// Increment adds delta to a numeric field
func (m *Memory) Increment(ctx context.Context, key Key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key.Partition); err != nil {
		return err
	}
	doc, ok := m.docs[key]
	if !ok {
		return ErrNotFound
	}
	doc = doc.Clone()
	doc[field] = float64(ToInt64(doc[field]) + delta)
	m.docs[key] = doc
	m.notify(Change{Type: ChangeSet, Key: key, Document: doc.Clone()})
	return nil
}

// Delete removes the document at key. Deleting a missing key is not an error.
func (m *Memory) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key.Partition); err != nil {
		return err
	}
	if _, ok := m.docs[key]; !ok {
		return nil
	}
	delete(m.docs, key)
	m.notify(Change{Type: ChangeDelete, Key: key})
	return nil
}

// List returns every document of a collection ordered by id
func (m *Memory) List(ctx context.Context, partition, collection string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(partition); err != nil {
		return nil, err
	}

	var keys []Key
	for k := range m.docs {
		if k.Partition == partition && k.Collection == collection {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, Record{Key: k, Document: m.docs[k].Clone()})
	}
	return records, nil
}

// Subscribe streams changes until ctx is cancelled
func (m *Memory) Subscribe(ctx context.Context, partition, collection string) (<-chan Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(partition); err != nil {
		return nil, err
	}

	sk := subKey{partition: partition, collection: collection}
	ch := make(chan Change, 64)
	m.subs[sk] = append(m.subs[sk], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[sk]
		for i, c := range subs {
			if c == ch {
				m.subs[sk] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// notify must be called with m.mu held
func (m *Memory) notify(change Change) {
	sk := subKey{partition: change.Key.Partition, collection: change.Key.Collection}
	for _, ch := range m.subs[sk] {
		select {
		case ch <- change:
		default:
			// slow subscriber, drop
		}
	}
}

// ToInt64 converts a decoded numeric document field to int64
func ToInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Ping reports simulated connectivity
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	return nil
}
