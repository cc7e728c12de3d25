// Package memory is an in-process statestore backed by go-memdb.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/davidroman0O/replaylite/statestore"
	"github.com/hashicorp/go-memdb"
)

const tableItems = "items"

type item struct {
	ID      string
	Store   string
	Key     string
	Value   []byte
	Version int64
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableItems: {
			Name: tableItems,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"store": {
					Name:    "store",
					Indexer: &memdb.StringFieldIndex{Field: "Store"},
				},
			},
		},
	},
}

// Store keeps every item in memory. Stored rows are never mutated, each
// write inserts a fresh copy. Versions come from a store-wide counter so an
// etag is never reused after a delete.
type Store struct {
	db      *memdb.MemDB
	version atomic.Int64
}

var _ statestore.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("statestore/memory: create db: %w", err)
	}
	return &Store{db: db}, nil
}

func itemID(store, key string) string {
	return store + "||" + key
}

func (s *Store) Get(ctx context.Context, store, key string) (*statestore.Item, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableItems, "id", itemID(store, key))
	if err != nil {
		return nil, fmt.Errorf("statestore/memory: get %s: %w", key, err)
	}
	if raw == nil {
		return nil, statestore.ErrNotFound
	}
	it := raw.(*item)
	return &statestore.Item{
		Value: append([]byte(nil), it.Value...),
		ETag:  strconv.FormatInt(it.Version, 10),
	}, nil
}

func (s *Store) Put(ctx context.Context, store, key string, value []byte) (string, error) {
	return s.write(store, key, value, nil)
}

func (s *Store) PutIf(ctx context.Context, store, key string, value []byte, etag string) (string, error) {
	return s.write(store, key, value, &etag)
}

func (s *Store) write(store, key string, value []byte, etag *string) (string, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableItems, "id", itemID(store, key))
	if err != nil {
		return "", fmt.Errorf("statestore/memory: put %s: %w", key, err)
	}

	var version int64
	if raw != nil {
		version = raw.(*item).Version
	}
	if etag != nil {
		switch {
		case *etag == "" && raw != nil:
			return "", statestore.ErrETagMismatch
		case *etag != "" && (raw == nil || strconv.FormatInt(version, 10) != *etag):
			return "", statestore.ErrETagMismatch
		}
	}

	next := &item{
		ID:      itemID(store, key),
		Store:   store,
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: s.version.Add(1),
	}
	if err := txn.Insert(tableItems, next); err != nil {
		return "", fmt.Errorf("statestore/memory: put %s: %w", key, err)
	}
	txn.Commit()
	return strconv.FormatInt(next.Version, 10), nil
}

func (s *Store) Delete(ctx context.Context, store, key string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableItems, "id", itemID(store, key)); err != nil {
		return fmt.Errorf("statestore/memory: delete %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

func (s *Store) Close() error {
	return nil
}
