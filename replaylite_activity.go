package replaylite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/types"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// activityExecutor runs one activity task to its final outcome, retrying
// according to the task's retry policy.
type activityExecutor struct {
	registry      *Registry
	codec         codec.Codec
	logger        Logger
	limiter       *rate.Limiter
	defaultPolicy RetryPolicy
}

type activityOutcome struct {
	result   []byte
	failure  *types.FailureDetails
	attempts int
}

func (e *activityExecutor) policyFor(task *types.ActivityTask) RetryPolicy {
	policy := e.defaultPolicy
	if task.RetryPolicy != nil {
		policy = *task.RetryPolicy
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return policy
}

// newBackoff grows the wait by the policy coefficient after every failed
// attempt and stops after MaxAttempts.
func newBackoff(policy RetryPolicy) retry.Backoff {
	initial := policy.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	coefficient := policy.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}

	var attempt int
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		next := float64(initial) * math.Pow(coefficient, float64(attempt))
		attempt++
		if next > math.MaxInt64 {
			return time.Duration(math.MaxInt64), false
		}
		return time.Duration(next), false
	})
	if policy.MaxInterval > 0 {
		b = retry.WithCappedDuration(policy.MaxInterval, b)
	}
	return retry.WithMaxRetries(uint64(policy.MaxAttempts-1), b)
}

func (e *activityExecutor) execute(ctx context.Context, task *types.ActivityTask) *activityOutcome {
	logger := e.logger.WithFields(map[string]interface{}{
		"activity":    task.Name,
		"instance_id": task.InstanceID,
		"task_seq":    task.TaskSeq,
	})

	def, ok := e.registry.activity(task.Name)
	if !ok {
		logger.Error(ctx, "Activity not registered")
		return &activityOutcome{failure: &types.FailureDetails{
			Kind:         KindNotRegistered,
			Message:      fmt.Sprintf("%v: %s", ErrActivityNotRegistered, task.Name),
			NonRetryable: true,
		}}
	}

	args, err := def.decodeArgs(e.codec, task.Input)
	if err != nil {
		return &activityOutcome{failure: &types.FailureDetails{Kind: KindCodec, Message: err.Error(), NonRetryable: true}}
	}

	policy := e.policyFor(task)
	outcome := &activityOutcome{}

	err = retry.Do(ctx, newBackoff(policy), func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		outcome.attempts++
		actx := ActivityContext{
			instanceID: task.InstanceID,
			name:       task.Name,
			taskSeq:    task.TaskSeq,
			attempt:    outcome.attempts,
			logger:     logger,
		}

		result, err := e.attempt(ctx, actx, def, args, policy.Timeout)
		if err == nil {
			data, encErr := def.encodeResult(e.codec, result)
			if encErr != nil {
				return NewApplicationError(KindCodec, encErr, true)
			}
			outcome.result = data
			return nil
		}
		if isNonRetryable(err) {
			logger.Debug(ctx, "Activity failed permanently", "attempt", outcome.attempts, "error", err)
			return err
		}
		logger.Debug(ctx, "Activity attempt failed", "attempt", outcome.attempts, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		outcome.result = nil
		outcome.failure = toFailure(err)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			outcome.failure = &types.FailureDetails{Kind: KindCanceled, Message: err.Error()}
		}
	}
	return outcome
}

// attempt runs the function once. A timed out attempt is abandoned: the
// goroutine keeps running until the function honors its context.
func (e *activityExecutor) attempt(ctx context.Context, actx ActivityContext, def *HandlerInfo, args []reflect.Value, timeout time.Duration) (interface{}, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	actx.Context = ctx

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: NewApplicationError(KindPanic,
					fmt.Errorf("activity panicked: %v\n%s", rec, debug.Stack()), false)}
			}
		}()
		value, err := def.call(reflect.ValueOf(actx), args)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrActivityTimeout, timeout, res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrActivityTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}
