// Package persistencetest runs the same behavioural checks against every
// persistence backend.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend. The suite closes it.
type Factory func(t *testing.T) persistence.Backend

const lease = time.Minute

func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, factory) })
	t.Run("DuplicateInstance", func(t *testing.T) { testDuplicateInstance(t, factory) })
	t.Run("DequeueIsExclusive", func(t *testing.T) { testDequeueIsExclusive(t, factory) })
	t.Run("CommitSchedulesActivity", func(t *testing.T) { testCommitSchedulesActivity(t, factory) })
	t.Run("WorkArrivingDuringLease", func(t *testing.T) { testWorkArrivingDuringLease(t, factory) })
	t.Run("StaleLockToken", func(t *testing.T) { testStaleLockToken(t, factory) })
	t.Run("CompleteOnTerminalInstance", func(t *testing.T) { testCompleteOnTerminalInstance(t, factory) })
	t.Run("TerminalDropsQueuedActivities", func(t *testing.T) { testTerminalDropsQueuedActivities(t, factory) })
	t.Run("Timers", func(t *testing.T) { testTimers(t, factory) })
	t.Run("RecoverLeases", func(t *testing.T) { testRecoverLeases(t, factory) })
	t.Run("AbandonDelaysVisibility", func(t *testing.T) { testAbandon(t, factory) })
	t.Run("ListAndPurge", func(t *testing.T) { testListAndPurge(t, factory) })
}

func setupBackend(t *testing.T, factory Factory) persistence.Backend {
	b := factory(t)
	t.Cleanup(func() { b.Close() })
	return b
}

func createInstance(t *testing.T, b persistence.Backend, id string) {
	t.Helper()
	now := time.Now()
	err := b.CreateInstance(context.Background(), &types.WorkflowInstance{
		ID:        id,
		Name:      "order_processing",
		Input:     []byte(`{"item_name":"cars"}`),
		Status:    types.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, types.HistoryEvent{
		Type:      types.EventOrchestratorStarted,
		Timestamp: now,
		Name:      "order_processing",
		Input:     []byte(`{"item_name":"cars"}`),
	})
	require.NoError(t, err)
}

// scheduleActivity drives one orchestration commit that schedules seq.
func scheduleActivity(t *testing.T, b persistence.Backend, id string, seq int64) {
	t.Helper()
	ctx := context.Background()
	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	require.Equal(t, id, item.InstanceID)

	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item: item,
		Events: []types.HistoryEvent{{
			Type:        types.EventActivityScheduled,
			Timestamp:   time.Now(),
			TaskSeq:     seq,
			Name:        "notify",
			Input:       []byte(`{"message":"hello"}`),
			RetryPolicy: &types.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second},
		}},
		Activities: []types.ActivityTask{{
			TaskSeq:     seq,
			Name:        "notify",
			Input:       []byte(`{"message":"hello"}`),
			RetryPolicy: &types.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second},
		}},
	}))
}

func testCreateAndRead(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	inst, err := b.GetInstance(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "order_processing", inst.Name)
	assert.Equal(t, types.StatusRunning, inst.Status)
	assert.Equal(t, `{"item_name":"cars"}`, string(inst.Input))

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.EventOrchestratorStarted, history[0].Type)
	assert.Equal(t, int64(1), history[0].EventID)
	assert.Equal(t, "order-1", history[0].InstanceID)

	_, err = b.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
	_, err = b.ReadHistory(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func testDuplicateInstance(t *testing.T, factory Factory) {
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	err := b.CreateInstance(context.Background(), &types.WorkflowInstance{
		ID:     "order-1",
		Name:   "other",
		Status: types.StatusRunning,
	}, types.HistoryEvent{Type: types.EventOrchestratorStarted, Timestamp: time.Now()})
	assert.ErrorIs(t, err, persistence.ErrInstanceExists)

	history, err := b.ReadHistory(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testDequeueIsExclusive(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, "order-1", item.InstanceID)
	assert.NotEmpty(t, item.LockToken)

	_, err = b.DequeueOrchestration(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{Item: item}))

	_, err = b.DequeueOrchestration(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)
}

func testCommitSchedulesActivity(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")
	scheduleActivity(t, b, "order-1", 1)

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.EventActivityScheduled, history[1].Type)
	assert.Equal(t, int64(2), history[1].EventID)
	require.NotNil(t, history[1].RetryPolicy)
	assert.Equal(t, 3, history[1].RetryPolicy.MaxAttempts)

	task, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, "order-1", task.InstanceID)
	assert.Equal(t, int64(1), task.TaskSeq)
	assert.Equal(t, "notify", task.Name)
	assert.Equal(t, 1, task.Attempt)
	require.NotNil(t, task.RetryPolicy)
	assert.Equal(t, time.Second, task.RetryPolicy.InitialInterval)

	_, err = b.DequeueActivity(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	require.NoError(t, b.ExtendActivityLease(ctx, task, lease))
	require.NoError(t, b.CompleteActivity(ctx, task, types.HistoryEvent{
		Type:      types.EventActivityCompleted,
		Timestamp: time.Now(),
		TaskSeq:   1,
		Name:      "notify",
		Result:    []byte(`null`),
	}))

	history, err = b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.EventActivityCompleted, history[2].Type)
	assert.Equal(t, int64(3), history[2].EventID)

	// the completion re-enqueued the orchestration
	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, "order-1", item.InstanceID)

	_, err = b.DequeueActivity(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	// completing twice loses the lease
	err = b.CompleteActivity(ctx, task, types.HistoryEvent{Type: types.EventActivityCompleted, TaskSeq: 1})
	assert.ErrorIs(t, err, persistence.ErrLeaseLost)
}

func testWorkArrivingDuringLease(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)

	require.NoError(t, b.AppendEvents(ctx, "order-1", types.HistoryEvent{
		Type:      types.EventCancellationRequested,
		Timestamp: time.Now(),
	}))

	// still leased
	_, err = b.DequeueOrchestration(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{Item: item}))

	next, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, "order-1", next.InstanceID)
	assert.NotEqual(t, item.LockToken, next.LockToken)
}

func testStaleLockToken(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	// an already expired lease
	stale, err := b.DequeueOrchestration(ctx, -time.Second)
	require.NoError(t, err)

	fresh, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, stale.InstanceID, fresh.InstanceID)

	err = b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item:   stale,
		Events: []types.HistoryEvent{{Type: types.EventActivityScheduled, TaskSeq: 1, Name: "notify"}},
	})
	assert.ErrorIs(t, err, persistence.ErrLeaseLost)

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{Item: fresh}))
}

func testCompleteOnTerminalInstance(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")
	scheduleActivity(t, b, "order-1", 1)

	task, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)

	require.NoError(t, b.AppendEvents(ctx, "order-1", types.HistoryEvent{
		Type:      types.EventCancellationRequested,
		Timestamp: time.Now(),
	}))
	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item: item,
		Events: []types.HistoryEvent{{
			Type:      types.EventExecutionFailed,
			Timestamp: time.Now(),
			Failure:   &types.FailureDetails{Kind: "canceled", Message: "canceled by user"},
		}},
		Update: &persistence.InstanceUpdate{
			Status:  types.StatusCanceled,
			Failure: &types.FailureDetails{Kind: "canceled", Message: "canceled by user"},
		},
	}))

	require.NoError(t, b.CompleteActivity(ctx, task, types.HistoryEvent{
		Type:      types.EventActivityCompleted,
		Timestamp: time.Now(),
		TaskSeq:   1,
	}))

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventActivityCompleted, history[len(history)-1].Type)

	_, err = b.DequeueOrchestration(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	inst, err := b.GetInstance(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, "canceled", inst.Failure.Kind)
}

// Activities the workflow scheduled but never awaited must not run once the
// instance is done. A task already leased may still report back.
func testTerminalDropsQueuedActivities(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	var events []types.HistoryEvent
	var tasks []types.ActivityTask
	for seq := int64(1); seq <= 3; seq++ {
		events = append(events, types.HistoryEvent{
			Type:      types.EventActivityScheduled,
			Timestamp: time.Now(),
			TaskSeq:   seq,
			Name:      "notify",
		})
		tasks = append(tasks, types.ActivityTask{TaskSeq: seq, Name: "notify"})
	}
	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item:       item,
		Events:     events,
		Activities: tasks,
	}))

	first, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)
	second, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)

	require.NoError(t, b.AppendEvents(ctx, "order-1", types.HistoryEvent{
		Type:      types.EventCancellationRequested,
		Timestamp: time.Now(),
	}))
	item, err = b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item: item,
		Events: []types.HistoryEvent{{
			Type:      types.EventExecutionFailed,
			Timestamp: time.Now(),
			Failure:   &types.FailureDetails{Kind: "canceled", Message: "canceled by user"},
		}},
		Update: &persistence.InstanceUpdate{
			Status:  types.StatusCanceled,
			Failure: &types.FailureDetails{Kind: "canceled", Message: "canceled by user"},
		},
	}))

	// the third task was never leased
	_, err = b.DequeueActivity(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	require.NoError(t, b.CompleteActivity(ctx, first, types.HistoryEvent{
		Type:      types.EventActivityCompleted,
		Timestamp: time.Now(),
		TaskSeq:   first.TaskSeq,
	}))

	// a lease handed back after the end is dropped too
	require.NoError(t, b.AbandonActivity(ctx, second, 0))
	_, err = b.DequeueActivity(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)
}

func testTimers(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")

	fireAt := time.Now().Add(time.Hour)
	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
		Item:   item,
		Events: []types.HistoryEvent{{Type: types.EventTimerCreated, Timestamp: time.Now(), TaskSeq: 1, FireAt: fireAt}},
		Timers: []types.TimerTask{{TaskSeq: 1, FireAt: fireAt}},
	}))

	n, err := b.FireDueTimers(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.FireDueTimers(ctx, fireAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.EventTimerFired, last.Type)
	assert.Equal(t, int64(1), last.TaskSeq)
	assert.True(t, last.FireAt.Equal(fireAt), "fire_at %v != %v", last.FireAt, fireAt)

	_, err = b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)

	n, err = b.FireDueTimers(ctx, fireAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testRecoverLeases(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")
	scheduleActivity(t, b, "order-1", 1)
	createInstance(t, b, "order-2")

	_, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)
	_, err = b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)

	n, err := b.RecoverLeases(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.RecoverLeases(ctx, time.Now().Add(2*lease))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempt)

	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, "order-2", item.InstanceID)
}

func testAbandon(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")
	scheduleActivity(t, b, "order-1", 1)

	task, err := b.DequeueActivity(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, b.AbandonActivity(ctx, task, time.Hour))
	_, err = b.DequeueActivity(ctx, lease)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	require.NoError(t, b.AppendEvents(ctx, "order-1", types.HistoryEvent{Type: types.EventCancellationRequested, Timestamp: time.Now()}))
	item, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, b.AbandonOrchestration(ctx, item, 0))

	again, err := b.DequeueOrchestration(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, item.InstanceID, again.InstanceID)

	assert.ErrorIs(t, b.AbandonOrchestration(ctx, item, 0), persistence.ErrLeaseLost)
}

func testListAndPurge(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := setupBackend(t, factory)
	createInstance(t, b, "order-1")
	createInstance(t, b, "order-2")

	all, err := b.ListInstances(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, b.Purge(ctx, "order-1"), persistence.ErrInstanceRunning)

	// finish order-1
	for {
		item, err := b.DequeueOrchestration(ctx, lease)
		require.NoError(t, err)
		if item.InstanceID != "order-1" {
			require.NoError(t, b.AbandonOrchestration(ctx, item, time.Hour))
			continue
		}
		require.NoError(t, b.CommitOrchestration(ctx, persistence.OrchestrationCommit{
			Item:   item,
			Events: []types.HistoryEvent{{Type: types.EventExecutionCompleted, Timestamp: time.Now(), Result: []byte(`{"processed":true}`)}},
			Update: &persistence.InstanceUpdate{Status: types.StatusCompleted, Output: []byte(`{"processed":true}`)},
		}))
		break
	}

	completed := types.StatusCompleted
	done, err := b.ListInstances(ctx, &completed)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "order-1", done[0].ID)
	assert.Equal(t, `{"processed":true}`, string(done[0].Output))

	require.NoError(t, b.Purge(ctx, "order-1"))
	_, err = b.GetInstance(ctx, "order-1")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)

	all, err = b.ListInstances(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
