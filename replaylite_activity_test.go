package replaylite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestExecutor(t *testing.T, name string, fn interface{}) *activityExecutor {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.RegisterActivity(name, fn))
	return &activityExecutor{
		registry:      registry,
		codec:         codec.JSON,
		logger:        NoopLogger(),
		defaultPolicy: DefaultRetryPolicy(),
	}
}

func testTask(name string, input string, policy *RetryPolicy) *types.ActivityTask {
	return &types.ActivityTask{
		InstanceID:  "wf-1",
		TaskSeq:     1,
		Name:        name,
		Input:       []byte(input),
		RetryPolicy: policy,
	}
}

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        attempts,
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2,
		MaxInterval:        5 * time.Millisecond,
	}
}

// go test -timeout 30s -v -count=1 -run ^TestBackoffGrowsAndCaps$ .
func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    10 * time.Millisecond,
		BackoffCoefficient: 2,
		MaxInterval:        30 * time.Millisecond,
	})

	var waits []time.Duration
	for {
		next, stop := b.Next()
		if stop {
			break
		}
		waits = append(waits, next)
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		30 * time.Millisecond,
	}, waits)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorRetriesUntilSuccess$ .
func TestExecutorRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	e := setupTestExecutor(t, "flaky", func(ctx ActivityContext, n int) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("store unavailable")
		}
		assert.Equal(t, 3, ctx.Attempt())
		return n * 2, nil
	})

	outcome := e.execute(context.Background(), testTask("flaky", "21", fastPolicy(5)))
	require.Nil(t, outcome.failure)
	assert.Equal(t, 3, outcome.attempts)
	assert.Equal(t, []byte("42"), outcome.result)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorStopsOnNonRetryable$ .
func TestExecutorStopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	e := setupTestExecutor(t, "reject", func(ctx ActivityContext, n int) error {
		calls.Add(1)
		return NewApplicationError("insufficient_inventory", errors.New("only 5 left"), true)
	})

	outcome := e.execute(context.Background(), testTask("reject", "11", fastPolicy(5)))
	require.NotNil(t, outcome.failure)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "insufficient_inventory", outcome.failure.Kind)
	assert.True(t, outcome.failure.NonRetryable)
	assert.Equal(t, "only 5 left", outcome.failure.Message)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorRecordsExhaustedRetries$ .
func TestExecutorRecordsExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	e := setupTestExecutor(t, "down", func(ctx ActivityContext) error {
		calls.Add(1)
		return errors.New("connection refused")
	})

	outcome := e.execute(context.Background(), testTask("down", "", fastPolicy(3)))
	require.NotNil(t, outcome.failure)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, outcome.attempts)
	assert.Equal(t, KindError, outcome.failure.Kind)
	assert.False(t, outcome.failure.NonRetryable)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorAttemptTimeout$ .
func TestExecutorAttemptTimeout(t *testing.T) {
	e := setupTestExecutor(t, "slow", func(ctx ActivityContext) error {
		<-ctx.Done()
		return ctx.Err()
	})

	policy := fastPolicy(2)
	policy.Timeout = 20 * time.Millisecond
	outcome := e.execute(context.Background(), testTask("slow", "", policy))
	require.NotNil(t, outcome.failure)
	assert.Equal(t, 2, outcome.attempts)
	assert.Equal(t, KindTimeout, outcome.failure.Kind)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorOverlappingAttemptsApplyOnce$ .
func TestExecutorOverlappingAttemptsApplyOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		effects = map[string]int{}
		keys    []string
	)
	apply := func(key string) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		if _, ok := effects[key]; !ok {
			effects[key] = 1
		}
	}

	lateDone := make(chan struct{})
	e := setupTestExecutor(t, "reserve", func(ctx ActivityContext) error {
		key := fmt.Sprintf("%s/%d", ctx.InstanceID(), ctx.TaskSeq())
		if ctx.Attempt() == 1 {
			// outlives its timeout and still writes
			defer close(lateDone)
			time.Sleep(60 * time.Millisecond)
			apply(key)
			return nil
		}
		apply(key)
		return nil
	})

	policy := fastPolicy(3)
	policy.Timeout = 20 * time.Millisecond
	outcome := e.execute(context.Background(), testTask("reserve", "", policy))
	require.Nil(t, outcome.failure)
	assert.Equal(t, 2, outcome.attempts)

	select {
	case <-lateDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out attempt never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"wf-1/1", "wf-1/1"}, keys)
	assert.Equal(t, map[string]int{"wf-1/1": 1}, effects)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorRecoversPanics$ .
func TestExecutorRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	e := setupTestExecutor(t, "fragile", func(ctx ActivityContext) (string, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return "ok", nil
	})

	outcome := e.execute(context.Background(), testTask("fragile", "", fastPolicy(2)))
	require.Nil(t, outcome.failure)
	assert.Equal(t, 2, outcome.attempts)
	assert.Equal(t, []byte(`"ok"`), outcome.result)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorPanicWithoutRetries$ .
func TestExecutorPanicWithoutRetries(t *testing.T) {
	e := setupTestExecutor(t, "fragile", func(ctx ActivityContext) error {
		panic("nil map")
	})

	outcome := e.execute(context.Background(), testTask("fragile", "", nil))
	require.NotNil(t, outcome.failure)
	assert.Equal(t, 1, outcome.attempts)
	assert.Equal(t, KindPanic, outcome.failure.Kind)
	assert.Contains(t, outcome.failure.Message, "nil map")
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorUnknownActivity$ .
func TestExecutorUnknownActivity(t *testing.T) {
	e := setupTestExecutor(t, "known", func(ctx ActivityContext) error { return nil })

	outcome := e.execute(context.Background(), testTask("unknown", "", fastPolicy(5)))
	require.NotNil(t, outcome.failure)
	assert.Equal(t, KindNotRegistered, outcome.failure.Kind)
	assert.True(t, outcome.failure.NonRetryable)
}

// go test -timeout 30s -v -count=1 -run ^TestExecutorPassesTaskIdentity$ .
func TestExecutorPassesTaskIdentity(t *testing.T) {
	var got ActivityContext
	e := setupTestExecutor(t, "identity", func(ctx ActivityContext) error {
		got = ctx
		return nil
	})

	task := testTask("identity", "", nil)
	task.TaskSeq = 7
	outcome := e.execute(context.Background(), task)
	require.Nil(t, outcome.failure)
	assert.Equal(t, "wf-1", got.InstanceID())
	assert.Equal(t, "identity", got.Name())
	assert.Equal(t, int64(7), got.TaskSeq())
	assert.Equal(t, 1, got.Attempt())
	assert.NotNil(t, got.Logger())
}
