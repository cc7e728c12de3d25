package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -timeout 30s -v -count=1 -run ^TestClockIntervals$ .
func TestClockIntervals(t *testing.T) {
	c := New(context.Background(), 5*time.Millisecond, nil)

	var fast, slow atomic.Int32
	c.Add("fast", JobFunc(func(ctx context.Context) error {
		fast.Add(1)
		return nil
	}))
	c.Add("slow", JobFunc(func(ctx context.Context) error {
		slow.Add(1)
		return nil
	}), Every(time.Hour))

	c.Start()
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	assert.GreaterOrEqual(t, fast.Load(), int32(3))
	assert.Equal(t, int32(1), slow.Load())
}

// go test -timeout 30s -v -count=1 -run ^TestClockReportsErrors$ .
func TestClockReportsErrors(t *testing.T) {
	var global, local atomic.Int32
	c := New(context.Background(), 5*time.Millisecond, func(id string, err error) {
		assert.Equal(t, "global", id)
		global.Add(1)
	})

	c.Add("global", JobFunc(func(ctx context.Context) error {
		return errors.New("boom")
	}))
	c.Add("local", JobFunc(func(ctx context.Context) error {
		return errors.New("boom")
	}), WithMode(Async), OnError(func(id string, err error) {
		local.Add(1)
	}))

	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	assert.NotZero(t, global.Load())
	assert.NotZero(t, local.Load())
}

// go test -timeout 30s -v -count=1 -run ^TestClockAsyncNeverOverlaps$ .
func TestClockAsyncNeverOverlaps(t *testing.T) {
	c := New(context.Background(), time.Millisecond, nil)

	var inFlight, maxInFlight, finished atomic.Int32
	c.Add("slow", JobFunc(func(ctx context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
		}
		finished.Add(1)
		return nil
	}), WithMode(Async))

	c.Start()
	time.Sleep(60 * time.Millisecond)
	c.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load())
	// Stop waited for the last run
	assert.Zero(t, inFlight.Load())
	require.NotZero(t, finished.Load())
}

// go test -timeout 30s -v -count=1 -run ^TestClockRemove$ .
func TestClockRemove(t *testing.T) {
	c := New(context.Background(), 5*time.Millisecond, nil)

	var calls atomic.Int32
	c.Add("removed", JobFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))
	c.Remove("removed")

	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	assert.Zero(t, calls.Load())
}
