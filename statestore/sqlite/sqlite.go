// Package sqlite is a durable statestore on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/davidroman0O/replaylite/statestore"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_items (
	store TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB,
	etag  TEXT NOT NULL,
	PRIMARY KEY (store, key)
);`

type Store struct {
	db *sql.DB
}

var _ statestore.Store = (*Store)(nil)

type config struct {
	destructive bool
}

type Option func(*config)

// WithDestructive removes the database file before opening it.
func WithDestructive() Option {
	return func(c *config) {
		c.destructive = true
	}
}

// Open opens or creates the database at path. ":memory:" keeps everything
// in a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.destructive && path != ":memory:" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("statestore/sqlite: remove %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: open: %w", err)
	}
	// a single connection serializes writers and keeps :memory: alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore/sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_txlock=immediate"
	}
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
}

func (s *Store) Get(ctx context.Context, store, key string) (*statestore.Item, error) {
	var it statestore.Item
	err := s.db.QueryRowContext(ctx,
		`SELECT value, etag FROM state_items WHERE store = ? AND key = ?`, store, key,
	).Scan(&it.Value, &it.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, statestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: get %s: %w", key, err)
	}
	return &it, nil
}

func (s *Store) Put(ctx context.Context, store, key string, value []byte) (string, error) {
	etag := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_items (store, key, value, etag) VALUES (?, ?, ?, ?)
		 ON CONFLICT (store, key) DO UPDATE SET value = excluded.value, etag = excluded.etag`,
		store, key, value, etag)
	if err != nil {
		return "", fmt.Errorf("statestore/sqlite: put %s: %w", key, err)
	}
	return etag, nil
}

func (s *Store) PutIf(ctx context.Context, store, key string, value []byte, etag string) (string, error) {
	next := uuid.NewString()

	var (
		res sql.Result
		err error
	)
	if etag == "" {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO state_items (store, key, value, etag) VALUES (?, ?, ?, ?)
			 ON CONFLICT (store, key) DO NOTHING`,
			store, key, value, next)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE state_items SET value = ?, etag = ? WHERE store = ? AND key = ? AND etag = ?`,
			value, next, store, key, etag)
	}
	if err != nil {
		return "", fmt.Errorf("statestore/sqlite: put %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("statestore/sqlite: put %s: %w", key, err)
	}
	if n == 0 {
		return "", statestore.ErrETagMismatch
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, store, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_items WHERE store = ? AND key = ?`, store, key); err != nil {
		return fmt.Errorf("statestore/sqlite: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
