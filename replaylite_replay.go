package replaylite

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/types"
)

type actionKind int

const (
	actionScheduleActivity actionKind = iota
	actionCreateTimer
)

// action is a new step the workflow reached during a replay.
type action struct {
	kind        actionKind
	seq         int64
	name        string
	input       []byte
	fireAt      time.Time
	retryPolicy *RetryPolicy
}

// finalAction ends the instance.
type finalAction struct {
	status  types.InstanceStatus
	output  []byte
	failure *types.FailureDetails
}

// decision is the outcome of one replay: the new steps to record and, when
// the workflow returned, how the instance ends.
type decision struct {
	actions []action
	final   *finalAction
	nondet  *NonDeterminismError
}

type replayer struct {
	instance       *types.WorkflowInstance
	def            *HandlerInfo
	codec          codec.Codec
	defaultRetry   RetryPolicy
	workflowLogger Logger

	scheduled map[int64]types.HistoryEvent
	completed map[int64]types.HistoryEvent
	canceled  *types.HistoryEvent

	seq      int64
	now      time.Time
	observed map[int64]bool
	// lastObserved is the highest sequence the workflow has awaited.
	lastObserved int64
	actions  []action

	suspended bool
	returned  bool
	result    interface{}
	err       error
	panicked  interface{}
	stack     []byte
	nondet    *NonDeterminismError
}

func newReplayer(inst *types.WorkflowInstance, history []types.HistoryEvent, def *HandlerInfo, c codec.Codec, defaultRetry RetryPolicy, logger Logger) *replayer {
	r := &replayer{
		instance:     inst,
		def:          def,
		codec:        c,
		defaultRetry: defaultRetry,
		scheduled:    make(map[int64]types.HistoryEvent),
		completed:    make(map[int64]types.HistoryEvent),
		observed:     make(map[int64]bool),
		now:          inst.CreatedAt,
	}
	r.workflowLogger = &replayLogger{
		logger: logger.WithFields(map[string]interface{}{
			"workflow":    inst.Name,
			"instance_id": inst.ID,
		}),
		replaying: r.isReplaying,
	}

	for _, ev := range history {
		switch ev.Type {
		case types.EventOrchestratorStarted:
			r.now = ev.Timestamp
		case types.EventActivityScheduled, types.EventTimerCreated:
			r.scheduled[ev.TaskSeq] = ev
		case types.EventActivityCompleted, types.EventTimerFired:
			r.completed[ev.TaskSeq] = ev
		case types.EventCancellationRequested:
			if r.canceled == nil {
				canceled := ev
				r.canceled = &canceled
			}
		}
	}
	return r
}

// replay re-executes the workflow from the start against its history and
// returns what must happen next. It never runs side effects; the same
// history always yields the same decision.
func replay(inst *types.WorkflowInstance, history []types.HistoryEvent, def *HandlerInfo, c codec.Codec, defaultRetry RetryPolicy, logger Logger) *decision {
	r := newReplayer(inst, history, def, c, defaultRetry, logger)

	if r.canceled != nil {
		failure := &types.FailureDetails{Kind: KindCanceled, Message: "workflow canceled"}
		if r.canceled.Failure != nil && r.canceled.Failure.Message != "" {
			failure.Message = r.canceled.Failure.Message
		}
		return &decision{final: &finalAction{status: types.StatusCanceled, failure: failure}}
	}

	args, err := def.decodeArgs(c, inst.Input)
	if err != nil {
		return &decision{final: &finalAction{
			status:  types.StatusFailed,
			failure: &types.FailureDetails{Kind: KindCodec, Message: err.Error(), NonRetryable: true},
		}}
	}

	r.run(args)
	return r.decide()
}

func (r *replayer) run(args []reflect.Value) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			// runtime.Goexit from suspend does not reach recover
			if rec := recover(); rec != nil {
				r.panicked = rec
				r.stack = debug.Stack()
			}
		}()
		result, err := r.def.call(reflect.ValueOf(WorkflowContext{r: r}), args)
		r.result = result
		r.err = err
		r.returned = true
	}()
	<-done
}

func (r *replayer) decide() *decision {
	if r.nondet != nil {
		return r.nonDeterministic(r.nondet)
	}
	if r.panicked != nil {
		return &decision{final: &finalAction{
			status: types.StatusFailed,
			failure: &types.FailureDetails{
				Kind:         KindPanic,
				Message:      fmt.Sprintf("workflow panicked: %v\n%s", r.panicked, r.stack),
				NonRetryable: true,
			},
		}}
	}
	if !r.returned && !r.suspended {
		return &decision{final: &finalAction{
			status:  types.StatusFailed,
			failure: &types.FailureDetails{Kind: KindError, Message: "workflow goroutine exited without returning", NonRetryable: true},
		}}
	}

	// steps recorded in history that this run never reached
	for seq, ev := range r.scheduled {
		if seq > r.seq {
			return r.nonDeterministic(&NonDeterminismError{
				TaskSeq:  seq,
				Expected: describeEvent(ev),
				Actual:   "no step",
			})
		}
	}

	d := &decision{actions: r.actions}
	if !r.returned {
		return d
	}
	if r.err != nil {
		d.final = &finalAction{status: types.StatusFailed, failure: toFailure(r.err)}
		return d
	}
	output, err := r.def.encodeResult(r.codec, r.result)
	if err != nil {
		d.final = &finalAction{
			status:  types.StatusFailed,
			failure: &types.FailureDetails{Kind: KindCodec, Message: err.Error(), NonRetryable: true},
		}
		return d
	}
	d.final = &finalAction{status: types.StatusCompleted, output: output}
	return d
}

func (r *replayer) nonDeterministic(err *NonDeterminismError) *decision {
	return &decision{
		nondet: err,
		final: &finalAction{
			status:  types.StatusFailed,
			failure: &types.FailureDetails{Kind: KindNonDeterminism, Message: err.Error(), NonRetryable: true},
		},
	}
}

func describeEvent(ev types.HistoryEvent) string {
	switch ev.Type {
	case types.EventActivityScheduled:
		return "activity " + ev.Name
	case types.EventTimerCreated:
		return "timer"
	default:
		return ev.Type.String()
	}
}

// isReplaying holds while history records a completion past the last awaited
// future. Futures that are never awaited do not keep it set once a later one
// is.
func (r *replayer) isReplaying() bool {
	for seq := range r.completed {
		if seq > r.lastObserved {
			return true
		}
	}
	return false
}

// suspend stops the workflow goroutine at an unresolved Future.
func (r *replayer) suspend() {
	r.suspended = true
	runtime.Goexit()
}

func (r *replayer) failNonDeterministic(seq int64, expected types.HistoryEvent, actual string) {
	r.nondet = &NonDeterminismError{TaskSeq: seq, Expected: describeEvent(expected), Actual: actual}
	runtime.Goexit()
}

func (r *replayer) observe(f *Future) {
	if f.seq == 0 || r.observed[f.seq] {
		return
	}
	r.observed[f.seq] = true
	if f.seq > r.lastObserved {
		r.lastObserved = f.seq
	}
	if f.at.After(r.now) {
		r.now = f.at
	}
}

// resolve fills the future from history when its completion is recorded.
func (r *replayer) resolve(f *Future) {
	ev, ok := r.completed[f.seq]
	if !ok {
		return
	}
	f.resolved = true
	f.at = ev.Timestamp
	if ev.Failure != nil {
		f.err = &ActivityError{
			ActivityName: f.name,
			TaskSeq:      f.seq,
			Kind:         ev.Failure.Kind,
			Message:      ev.Failure.Message,
			NonRetryable: ev.Failure.NonRetryable,
		}
		return
	}
	f.result = ev.Result
}

func (r *replayer) callActivity(name string, input interface{}, cfg *activityCallConfig) *Future {
	r.seq++
	f := &Future{r: r, seq: r.seq, name: name}

	if ev, ok := r.scheduled[f.seq]; ok {
		if ev.Type != types.EventActivityScheduled || ev.Name != name {
			r.failNonDeterministic(f.seq, ev, "activity "+name)
		}
		r.resolve(f)
		return f
	}

	data, err := r.codec.Marshal(input)
	if err != nil {
		f.resolved = true
		f.err = errors.Join(fmt.Errorf("encode input of %s", name), err)
		return f
	}
	policy := r.defaultRetry
	if cfg.retryPolicy != nil {
		policy = *cfg.retryPolicy
	}
	r.actions = append(r.actions, action{
		kind:        actionScheduleActivity,
		seq:         f.seq,
		name:        name,
		input:       data,
		retryPolicy: &policy,
	})
	return f
}

func (r *replayer) createTimer(d time.Duration) *Future {
	r.seq++
	f := &Future{r: r, seq: r.seq, name: "timer"}

	if ev, ok := r.scheduled[f.seq]; ok {
		if ev.Type != types.EventTimerCreated {
			r.failNonDeterministic(f.seq, ev, "timer")
		}
		r.resolve(f)
		return f
	}

	r.actions = append(r.actions, action{
		kind:   actionCreateTimer,
		seq:    f.seq,
		fireAt: r.now.Add(d),
	})
	return f
}
