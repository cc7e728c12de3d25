// Package statestore defines the key/value store activities use for
// entity state. Every backend supports compare-and-swap writes through
// opaque etags.
package statestore

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("statestore: key not found")
	ErrETagMismatch = errors.New("statestore: etag mismatch")
)

// Item is a stored value and the etag of its current version.
type Item struct {
	Value []byte
	ETag  string
}

// Store is a namespaced key/value store. The namespace is the store name,
// keys are unique within a store.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, store, key string) (*Item, error)
	// Put writes unconditionally and returns the new etag.
	Put(ctx context.Context, store, key string, value []byte) (string, error)
	// PutIf writes only when the current etag matches. An empty etag
	// requires the key to be absent. A mismatch returns ErrETagMismatch.
	PutIf(ctx context.Context, store, key string, value []byte, etag string) (string, error)
	Delete(ctx context.Context, store, key string) error
	Close() error
}
