package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GlobalPartition is the partition shared by every account
const GlobalPartition = "global"

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by CreateIfAbsent when the key is taken
	ErrAlreadyExists = errors.New("document already exists")

	// ErrUnavailable is returned when the remote store cannot be reached
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrPermissionDenied is returned when the caller may not access a partition
	ErrPermissionDenied = errors.New("remote store permission denied")
)

// Key addresses a document inside a partition
type Key struct {
	Partition  string
	Collection string
	ID         string
}

// AccountKey builds a key in an account partition
func AccountKey(accountID, collection, id string) Key {
	return Key{Partition: accountID, Collection: collection, ID: id}
}

// GlobalKey builds a key in the global partition
func GlobalKey(collection, id string) Key {
	return Key{Partition: GlobalPartition, Collection: collection, ID: id}
}

func (k Key) String() string {
	return k.Partition + "/" + k.Collection + "/" + k.ID
}

// Document is a schemaless stored record
type Document map[string]any

// Encode converts a typed value into a Document
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return doc, nil
}

// Decode fills v from a Document
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// Clone returns a shallow copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Record is a document together with its key
type Record struct {
	Key      Key
	Document Document
}

// ChangeType describes a remote mutation
type ChangeType string

const (
	ChangeSet    ChangeType = "set"
	ChangeDelete ChangeType = "delete"
)

// Change is a mutation observed through Subscribe
type Change struct {
	Type     ChangeType
	Key      Key
	Document Document
}

// Store is a partitioned document store with conditional writes
type Store interface {
	Get(ctx context.Context, key Key) (Document, error)
	Set(ctx context.Context, key Key, doc Document) error
	// CreateIfAbsent writes doc only if no document exists at key; otherwise ErrAlreadyExists
	CreateIfAbsent(ctx context.Context, key Key, doc Document) error
	// Increment atomically adds delta to a numeric field of an existing document
	Increment(ctx context.Context, key Key, field string, delta int64) error
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, partition, collection string) ([]Record, error)
	// Subscribe streams changes of a collection in a partition until ctx is done
	Subscribe(ctx context.Context, partition, collection string) (<-chan Change, error)
}
