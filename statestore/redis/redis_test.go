package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/davidroman0O/replaylite/statestore"
	"github.com/davidroman0O/replaylite/statestore/storetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// go test -timeout 30s -v -count=1 -run ^TestRedisStore$ .
func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) statestore.Store {
		return New(setupTestRedis(t))
	})
}

// go test -timeout 30s -v -count=1 -run ^TestRedisStoreKeyLayout$ .
func TestRedisStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	s := New(client, WithKeyPrefix("orders:"))
	require.NoError(t, s.Ping(ctx))

	etag, err := s.Put(ctx, "statestore-actors", "cars", []byte(`{"quantity":100}`))
	require.NoError(t, err)

	fields, err := client.HGetAll(ctx, "orders:statestore-actors||cars").Result()
	require.NoError(t, err)
	assert.Equal(t, `{"quantity":100}`, fields["data"])
	assert.Equal(t, etag, fields["etag"])
}

// go test -timeout 30s -v -count=1 -run ^TestRedisStoreRejectsSeparatorInStoreName$ .
func TestRedisStoreRejectsSeparatorInStoreName(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestRedis(t))

	// "a||b" + "c" and "a" + "b||c" would share a key
	_, err := s.Put(ctx, "a", "b||c", []byte("first"))
	require.NoError(t, err)

	_, err = s.Put(ctx, "a||b", "c", []byte("second"))
	assert.ErrorIs(t, err, ErrInvalidStoreName)
	_, err = s.PutIf(ctx, "a||b", "c", []byte("second"), "")
	assert.ErrorIs(t, err, ErrInvalidStoreName)
	_, err = s.Get(ctx, "a||b", "c")
	assert.ErrorIs(t, err, ErrInvalidStoreName)
	assert.ErrorIs(t, s.Delete(ctx, "a||b", "c"), ErrInvalidStoreName)

	it, err := s.Get(ctx, "a", "b||c")
	require.NoError(t, err)
	assert.Equal(t, "first", string(it.Value))
}
