package replaylite

import (
	"errors"
	"testing"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var replayEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func doubleTwice(ctx WorkflowContext, n int) (int, error) {
	var a int
	if err := ctx.CallActivity("double", n).Get(&a); err != nil {
		return 0, err
	}
	var b int
	if err := ctx.CallActivity("double", a).Get(&b); err != nil {
		return 0, err
	}
	return b, nil
}

type replayFixture struct {
	t       *testing.T
	def     *HandlerInfo
	inst    *types.WorkflowInstance
	history []types.HistoryEvent
}

func newReplayFixture(t *testing.T, fn interface{}, input string) *replayFixture {
	def, err := inspectHandler("wf", fn, workflowContextType)
	require.NoError(t, err)
	inst := &types.WorkflowInstance{
		ID:        "wf-1",
		Name:      "wf",
		Input:     []byte(input),
		Status:    types.StatusRunning,
		CreatedAt: replayEpoch,
	}
	return &replayFixture{
		t:    t,
		def:  def,
		inst: inst,
		history: []types.HistoryEvent{
			{Type: types.EventOrchestratorStarted, Timestamp: replayEpoch, Name: "wf", Input: []byte(input)},
		},
	}
}

func (f *replayFixture) add(events ...types.HistoryEvent) *replayFixture {
	f.history = append(f.history, events...)
	return f
}

func (f *replayFixture) replay() *decision {
	return replay(f.inst, f.history, f.def, codec.JSON, DefaultRetryPolicy(), NoopLogger())
}

func scheduledEvent(seq int64, name string, input string) types.HistoryEvent {
	return types.HistoryEvent{Type: types.EventActivityScheduled, TaskSeq: seq, Name: name, Input: []byte(input)}
}

func completedEvent(seq int64, name string, result string, at time.Time) types.HistoryEvent {
	return types.HistoryEvent{Type: types.EventActivityCompleted, TaskSeq: seq, Name: name, Result: []byte(result), Timestamp: at}
}

// go test -timeout 30s -v -count=1 -run ^TestReplaySequentialSteps$ .
func TestReplaySequentialSteps(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3")

	d := f.replay()
	require.Nil(t, d.final)
	require.Len(t, d.actions, 1)
	assert.Equal(t, actionScheduleActivity, d.actions[0].kind)
	assert.Equal(t, int64(1), d.actions[0].seq)
	assert.Equal(t, "double", d.actions[0].name)
	assert.Equal(t, []byte("3"), d.actions[0].input)

	f.add(scheduledEvent(1, "double", "3"), completedEvent(1, "double", "6", replayEpoch.Add(time.Second)))
	d = f.replay()
	require.Nil(t, d.final)
	require.Len(t, d.actions, 1)
	assert.Equal(t, int64(2), d.actions[0].seq)
	assert.Equal(t, []byte("6"), d.actions[0].input)

	f.add(scheduledEvent(2, "double", "6"), completedEvent(2, "double", "12", replayEpoch.Add(2*time.Second)))
	d = f.replay()
	require.NotNil(t, d.final)
	assert.Empty(t, d.actions)
	assert.Equal(t, types.StatusCompleted, d.final.status)
	assert.Equal(t, []byte("12"), d.final.output)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayIsIdempotent$ .
func TestReplayIsIdempotent(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").
		add(scheduledEvent(1, "double", "3"), completedEvent(1, "double", "6", replayEpoch.Add(time.Second)))

	first := f.replay()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.replay())
	}
}

// go test -timeout 30s -v -count=1 -run ^TestReplayPendingStepIsNotDispatchedAgain$ .
func TestReplayPendingStepIsNotDispatchedAgain(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").add(scheduledEvent(1, "double", "3"))

	d := f.replay()
	assert.Nil(t, d.final)
	assert.Nil(t, d.nondet)
	assert.Empty(t, d.actions)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayDetectsRenamedActivity$ .
func TestReplayDetectsRenamedActivity(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").
		add(scheduledEvent(1, "triple", "3"), completedEvent(1, "triple", "9", replayEpoch))

	d := f.replay()
	require.NotNil(t, d.nondet)
	assert.True(t, errors.Is(d.nondet, ErrNonDeterministic))
	assert.Equal(t, int64(1), d.nondet.TaskSeq)
	require.NotNil(t, d.final)
	assert.Equal(t, types.StatusFailed, d.final.status)
	assert.Equal(t, KindNonDeterminism, d.final.failure.Kind)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayDetectsDroppedSteps$ .
func TestReplayDetectsDroppedSteps(t *testing.T) {
	shortened := func(ctx WorkflowContext, n int) (int, error) {
		return n, nil
	}
	f := newReplayFixture(t, shortened, "3").add(scheduledEvent(1, "double", "3"))

	d := f.replay()
	require.NotNil(t, d.nondet)
	assert.Equal(t, "activity double", d.nondet.Expected)
	assert.Equal(t, types.StatusFailed, d.final.status)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayDetectsTimerSwappedForActivity$ .
func TestReplayDetectsTimerSwappedForActivity(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").add(types.HistoryEvent{
		Type:    types.EventTimerCreated,
		TaskSeq: 1,
		FireAt:  replayEpoch.Add(time.Minute),
	})

	d := f.replay()
	require.NotNil(t, d.nondet)
	assert.Equal(t, "timer", d.nondet.Expected)
	assert.Equal(t, "activity double", d.nondet.Actual)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayRaisesActivityFailureAtGet$ .
func TestReplayRaisesActivityFailureAtGet(t *testing.T) {
	compensating := func(ctx WorkflowContext, n int) (string, error) {
		var out int
		err := ctx.CallActivity("charge", n).Get(&out)
		var actErr *ActivityError
		if errors.As(err, &actErr) {
			if err := ctx.CallActivity("refund", n).Get(); err != nil {
				return "", err
			}
			return "refunded after " + actErr.Kind, nil
		}
		return "charged", err
	}

	f := newReplayFixture(t, compensating, "5").add(
		scheduledEvent(1, "charge", "5"),
		types.HistoryEvent{
			Type:    types.EventActivityCompleted,
			TaskSeq: 1,
			Name:    "charge",
			Failure: &types.FailureDetails{Kind: "declined", Message: "card declined", NonRetryable: true},
		},
	)

	d := f.replay()
	require.Len(t, d.actions, 1)
	assert.Equal(t, "refund", d.actions[0].name)

	f.add(scheduledEvent(2, "refund", "5"), completedEvent(2, "refund", "", replayEpoch))
	d = f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, types.StatusCompleted, d.final.status)
	assert.Equal(t, `"refunded after declined"`, string(d.final.output))
}

// go test -timeout 30s -v -count=1 -run ^TestReplayUnhandledActivityFailureFailsWorkflow$ .
func TestReplayUnhandledActivityFailureFailsWorkflow(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").add(
		scheduledEvent(1, "double", "3"),
		types.HistoryEvent{
			Type:    types.EventActivityCompleted,
			TaskSeq: 1,
			Name:    "double",
			Failure: &types.FailureDetails{Kind: KindTimeout, Message: "too slow"},
		},
	)

	d := f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, types.StatusFailed, d.final.status)
	assert.Equal(t, KindTimeout, d.final.failure.Kind)
	assert.Equal(t, "too slow", d.final.failure.Message)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayPanicFailsWorkflow$ .
func TestReplayPanicFailsWorkflow(t *testing.T) {
	panicking := func(ctx WorkflowContext) error {
		panic("boom")
	}
	f := newReplayFixture(t, panicking, "")

	d := f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, types.StatusFailed, d.final.status)
	assert.Equal(t, KindPanic, d.final.failure.Kind)
	assert.Contains(t, d.final.failure.Message, "boom")
}

// go test -timeout 30s -v -count=1 -run ^TestReplayCancellation$ .
func TestReplayCancellation(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, "3").add(
		scheduledEvent(1, "double", "3"),
		types.HistoryEvent{
			Type:    types.EventCancellationRequested,
			Failure: &types.FailureDetails{Kind: KindCanceled, Message: "customer left"},
		},
	)

	d := f.replay()
	require.NotNil(t, d.final)
	assert.Empty(t, d.actions)
	assert.Equal(t, types.StatusCanceled, d.final.status)
	assert.Equal(t, "customer left", d.final.failure.Message)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayTimerAndClock$ .
func TestReplayTimerAndClock(t *testing.T) {
	sleeper := func(ctx WorkflowContext) (time.Time, error) {
		if err := ctx.Sleep(time.Minute); err != nil {
			return time.Time{}, err
		}
		return ctx.Now(), nil
	}
	f := newReplayFixture(t, sleeper, "")

	d := f.replay()
	require.Len(t, d.actions, 1)
	assert.Equal(t, actionCreateTimer, d.actions[0].kind)
	assert.True(t, d.actions[0].fireAt.Equal(replayEpoch.Add(time.Minute)))

	firedAt := replayEpoch.Add(61 * time.Second)
	f.add(
		types.HistoryEvent{Type: types.EventTimerCreated, TaskSeq: 1, FireAt: replayEpoch.Add(time.Minute)},
		types.HistoryEvent{Type: types.EventTimerFired, TaskSeq: 1, Timestamp: firedAt},
	)
	d = f.replay()
	require.NotNil(t, d.final)
	require.Equal(t, types.StatusCompleted, d.final.status)

	var now time.Time
	require.NoError(t, codec.JSON.Unmarshal(d.final.output, &now))
	assert.True(t, now.Equal(firedAt))
}

// go test -timeout 30s -v -count=1 -run ^TestReplayParallelCalls$ .
func TestReplayParallelCalls(t *testing.T) {
	fanOut := func(ctx WorkflowContext, n int) (int, error) {
		futures := []*Future{
			ctx.CallActivity("double", n),
			ctx.CallActivity("double", n+1),
		}
		sum := 0
		for _, f := range futures {
			var v int
			if err := f.Get(&v); err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	}
	f := newReplayFixture(t, fanOut, "1")

	d := f.replay()
	require.Len(t, d.actions, 2)
	assert.Equal(t, int64(1), d.actions[0].seq)
	assert.Equal(t, int64(2), d.actions[1].seq)

	f.add(scheduledEvent(1, "double", "1"), scheduledEvent(2, "double", "2"),
		completedEvent(2, "double", "4", replayEpoch))
	d = f.replay()
	assert.Nil(t, d.final)
	assert.Empty(t, d.actions)

	f.add(completedEvent(1, "double", "2", replayEpoch))
	d = f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, []byte("6"), d.final.output)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayLoggerIsSilentWhileReplaying$ .
func TestReplayLoggerIsSilentWhileReplaying(t *testing.T) {
	var seen []bool
	tracking := func(ctx WorkflowContext, n int) (int, error) {
		seen = append(seen, ctx.IsReplaying())
		var a int
		if err := ctx.CallActivity("double", n).Get(&a); err != nil {
			return 0, err
		}
		seen = append(seen, ctx.IsReplaying())
		return a, nil
	}
	f := newReplayFixture(t, tracking, "2").
		add(scheduledEvent(1, "double", "2"), completedEvent(1, "double", "4", replayEpoch))

	f.replay()
	assert.Equal(t, []bool{true, false}, seen)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayUnawaitedFutureEndsReplay$ .
func TestReplayUnawaitedFutureEndsReplay(t *testing.T) {
	var seen []bool
	fireAndForget := func(ctx WorkflowContext, n int) (int, error) {
		ctx.CallActivity("double", n)
		var b int
		if err := ctx.CallActivity("double", n+1).Get(&b); err != nil {
			return 0, err
		}
		seen = append(seen, ctx.IsReplaying())
		return b, nil
	}
	f := newReplayFixture(t, fireAndForget, "2").
		add(scheduledEvent(1, "double", "2"), scheduledEvent(2, "double", "3"),
			completedEvent(1, "double", "4", replayEpoch), completedEvent(2, "double", "6", replayEpoch))

	d := f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, []bool{false}, seen)
}

// go test -timeout 30s -v -count=1 -run ^TestReplayBadInputFailsWorkflow$ .
func TestReplayBadInputFailsWorkflow(t *testing.T) {
	f := newReplayFixture(t, doubleTwice, `"not a number"`)

	d := f.replay()
	require.NotNil(t, d.final)
	assert.Equal(t, KindCodec, d.final.failure.Kind)
}
