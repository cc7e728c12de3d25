// Package redis implements statestore.Store on Redis. Each item is a hash
// holding the payload and its etag; conditional writes run as a Lua script
// so the check and the write are atomic on the server.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/davidroman0O/replaylite/statestore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "replaylite:"

const (
	fieldData = "data"
	fieldETag = "etag"
)

const keySeparator = "||"

// ErrInvalidStoreName is returned for store names holding the key separator.
var ErrInvalidStoreName = errors.New("statestore/redis: store name must not contain " + keySeparator)

// putIfScript returns 1 when the write happened and 0 on an etag mismatch.
var putIfScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[2] == '' then
	if cur then
		return 0
	end
elseif (not cur) or cur ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'etag', ARGV[3])
return 1
`)

// Option configures the Store.
type Option func(*Store)

// WithKeyPrefix replaces the "replaylite:" prefix of every key.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() Option {
	return func(s *Store) { s.owned = true }
}

type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var _ statestore.Store = (*Store)(nil)

// New creates a Redis-backed store. The caller owns the client lifecycle
// unless WithOwnedClient is given.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// itemKey returns replaylite:{store}||{key}. The key is taken after the
// first separator, so only the store name has to be free of it.
func (s *Store) itemKey(store, key string) (string, error) {
	if strings.Contains(store, keySeparator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, store)
	}
	return s.prefix + store + keySeparator + key, nil
}

func (s *Store) Get(ctx context.Context, store, key string) (*statestore.Item, error) {
	k, err := s.itemKey(store, key)
	if err != nil {
		return nil, err
	}
	vals, err := s.client.HMGet(ctx, k, fieldData, fieldETag).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore/redis: get %s: %w", key, err)
	}
	if len(vals) != 2 || vals[1] == nil {
		return nil, statestore.ErrNotFound
	}
	it := &statestore.Item{}
	if data, ok := vals[0].(string); ok {
		it.Value = []byte(data)
	}
	etag, ok := vals[1].(string)
	if !ok {
		return nil, fmt.Errorf("statestore/redis: get %s: unexpected etag type %T", key, vals[1])
	}
	it.ETag = etag
	return it, nil
}

func (s *Store) Put(ctx context.Context, store, key string, value []byte) (string, error) {
	k, err := s.itemKey(store, key)
	if err != nil {
		return "", err
	}
	etag := uuid.NewString()
	if err := s.client.HSet(ctx, k, fieldData, value, fieldETag, etag).Err(); err != nil {
		return "", fmt.Errorf("statestore/redis: put %s: %w", key, err)
	}
	return etag, nil
}

func (s *Store) PutIf(ctx context.Context, store, key string, value []byte, etag string) (string, error) {
	k, err := s.itemKey(store, key)
	if err != nil {
		return "", err
	}
	next := uuid.NewString()
	ok, err := putIfScript.Run(ctx, s.client, []string{k}, value, etag, next).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", statestore.ErrETagMismatch
		}
		return "", fmt.Errorf("statestore/redis: put %s: %w", key, err)
	}
	if ok == 0 {
		return "", statestore.ErrETagMismatch
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, store, key string) error {
	k, err := s.itemKey(store, key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("statestore/redis: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
