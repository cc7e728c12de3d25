// Package storetest is a conformance suite every statestore backend runs.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/davidroman0O/replaylite/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh empty store. The suite closes it.
type Factory func(t *testing.T) statestore.Store

func Run(t *testing.T, factory Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, factory) })
	t.Run("StoresAreNamespaces", func(t *testing.T) { testNamespaces(t, factory) })
	t.Run("PutIfAbsent", func(t *testing.T) { testPutIfAbsent(t, factory) })
	t.Run("PutIfETag", func(t *testing.T) { testPutIfETag(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ConcurrentDecrement", func(t *testing.T) { testConcurrentDecrement(t, factory) })
}

func newStore(t *testing.T, factory Factory) statestore.Store {
	s := factory(t)
	t.Cleanup(func() { s.Close() })
	return s
}

func testGetMissing(t *testing.T, factory Factory) {
	s := newStore(t, factory)
	_, err := s.Get(context.Background(), "store", "missing")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func testPutGet(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	etag1, err := s.Put(ctx, "store", "cars", []byte(`{"quantity":100}`))
	require.NoError(t, err)
	require.NotEmpty(t, etag1)

	it, err := s.Get(ctx, "store", "cars")
	require.NoError(t, err)
	assert.Equal(t, `{"quantity":100}`, string(it.Value))
	assert.Equal(t, etag1, it.ETag)

	etag2, err := s.Put(ctx, "store", "cars", []byte(`{"quantity":89}`))
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)

	it, err = s.Get(ctx, "store", "cars")
	require.NoError(t, err)
	assert.Equal(t, `{"quantity":89}`, string(it.Value))
	assert.Equal(t, etag2, it.ETag)
}

func testNamespaces(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	_, err := s.Put(ctx, "a", "key", []byte("from-a"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", "key", []byte("from-b"))
	require.NoError(t, err)

	it, err := s.Get(ctx, "a", "key")
	require.NoError(t, err)
	assert.Equal(t, "from-a", string(it.Value))

	it, err = s.Get(ctx, "b", "key")
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(it.Value))
}

func testPutIfAbsent(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	etag, err := s.PutIf(ctx, "store", "payment-1", []byte("charged"), "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	_, err = s.PutIf(ctx, "store", "payment-1", []byte("again"), "")
	require.ErrorIs(t, err, statestore.ErrETagMismatch)

	it, err := s.Get(ctx, "store", "payment-1")
	require.NoError(t, err)
	assert.Equal(t, "charged", string(it.Value))
}

func testPutIfETag(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	_, err := s.PutIf(ctx, "store", "missing", []byte("x"), "some-etag")
	require.ErrorIs(t, err, statestore.ErrETagMismatch)

	etag1, err := s.Put(ctx, "store", "cars", []byte("1"))
	require.NoError(t, err)

	etag2, err := s.PutIf(ctx, "store", "cars", []byte("2"), etag1)
	require.NoError(t, err)

	// stale etag
	_, err = s.PutIf(ctx, "store", "cars", []byte("3"), etag1)
	require.ErrorIs(t, err, statestore.ErrETagMismatch)

	it, err := s.Get(ctx, "store", "cars")
	require.NoError(t, err)
	assert.Equal(t, "2", string(it.Value))
	assert.Equal(t, etag2, it.ETag)
}

func testDelete(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	etag, err := s.Put(ctx, "store", "cars", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "store", "cars"))

	_, err = s.Get(ctx, "store", "cars")
	require.ErrorIs(t, err, statestore.ErrNotFound)

	_, err = s.PutIf(ctx, "store", "cars", []byte("2"), etag)
	require.ErrorIs(t, err, statestore.ErrETagMismatch)

	// deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, "store", "cars"))
}

// testConcurrentDecrement checks that CAS loops never drive a counter
// below zero and never lose an update.
func testConcurrentDecrement(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := newStore(t, factory)

	const (
		initial  = 50
		workers  = 20
		decrease = 3
	)
	_, err := s.Put(ctx, "store", "counter", []byte(strconv.Itoa(initial)))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := s.Get(ctx, "store", "counter")
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				current, err := strconv.Atoi(string(it.Value))
				if err != nil {
					t.Errorf("decode: %v", err)
					return
				}
				if current-decrease < 0 {
					mu.Lock()
					rejected++
					mu.Unlock()
					return
				}
				_, err = s.PutIf(ctx, "store", "counter", []byte(strconv.Itoa(current-decrease)), it.ETag)
				if errors.Is(err, statestore.ErrETagMismatch) {
					continue
				}
				if err != nil {
					t.Errorf("put: %v", err)
					return
				}
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	it, err := s.Get(ctx, "store", "counter")
	require.NoError(t, err)
	final, err := strconv.Atoi(string(it.Value))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, final, 0)
	assert.Equal(t, initial/decrease, succeeded)
	assert.Equal(t, workers-initial/decrease, rejected)
	assert.Equal(t, initial-succeeded*decrease, final)
}
