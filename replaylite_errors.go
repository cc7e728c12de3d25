package replaylite

import (
	"errors"
	"fmt"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
)

var (
	ErrTimeout               = errors.New("timed out waiting for workflow")
	ErrInstanceNotFound      = persistence.ErrInstanceNotFound
	ErrInstanceExists        = persistence.ErrInstanceExists
	ErrInstanceRunning       = persistence.ErrInstanceRunning
	ErrInstanceTerminal      = errors.New("workflow instance already finished")
	ErrNonDeterministic      = errors.New("non-deterministic workflow")
	ErrCanceled              = errors.New("workflow canceled")
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
	ErrActivityNotRegistered = errors.New("activity not registered")
	ErrActivityTimeout       = errors.New("activity attempt timed out")
	ErrInvalidHandler        = errors.New("invalid handler")
	ErrEngineClosed          = errors.New("engine closed")
)

// Failure kinds recorded in history.
const (
	KindError          = "error"
	KindPanic          = "panic"
	KindCanceled       = "canceled"
	KindNonDeterminism = "non_determinism"
	KindNotRegistered  = "not_registered"
	KindTimeout        = "timeout"
	KindCodec          = "codec"
)

// ApplicationError lets activity and workflow code attach a kind to an
// error and decide whether it may be retried.
type ApplicationError struct {
	Kind         string
	Err          error
	NonRetryable bool
}

func (e *ApplicationError) Error() string {
	return e.Err.Error()
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

func NewApplicationError(kind string, err error, nonRetryable bool) *ApplicationError {
	return &ApplicationError{Kind: kind, Err: err, NonRetryable: nonRetryable}
}

// NonRetryable marks a domain failure: the activity executor records it
// immediately instead of retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return &ApplicationError{Kind: appErr.Kind, Err: err, NonRetryable: true}
	}
	return &ApplicationError{Kind: KindError, Err: err, NonRetryable: true}
}

func isNonRetryable(err error) bool {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.NonRetryable
	}
	var actErr *ActivityError
	if errors.As(err, &actErr) {
		return actErr.NonRetryable
	}
	return false
}

// ActivityError is returned by Future.Get when the recorded activity result
// is a failure.
type ActivityError struct {
	ActivityName string
	TaskSeq      int64
	Kind         string
	Message      string
	NonRetryable bool
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.ActivityName, e.Message)
}

// NonDeterminismError reports workflow code that diverged from history.
type NonDeterminismError struct {
	TaskSeq  int64
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow at step %d: history has %s, workflow produced %s",
		e.TaskSeq, e.Expected, e.Actual)
}

func (e *NonDeterminismError) Is(target error) bool {
	return target == ErrNonDeterministic
}

// WorkflowError is the failure of a Failed or Canceled instance.
type WorkflowError struct {
	InstanceID string
	Kind       string
	Message    string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed (%s): %s", e.InstanceID, e.Kind, e.Message)
}

func (e *WorkflowError) Is(target error) bool {
	switch target {
	case ErrCanceled:
		return e.Kind == KindCanceled
	case ErrNonDeterministic:
		return e.Kind == KindNonDeterminism
	}
	return false
}

// toFailure converts an error into its recorded form.
func toFailure(err error) *types.FailureDetails {
	// an activity failure returned as is keeps its recorded kind
	if actErr, ok := err.(*ActivityError); ok {
		return &types.FailureDetails{Kind: actErr.Kind, Message: actErr.Message, NonRetryable: actErr.NonRetryable}
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return &types.FailureDetails{Kind: appErr.Kind, Message: err.Error(), NonRetryable: appErr.NonRetryable}
	}
	var ndErr *NonDeterminismError
	if errors.As(err, &ndErr) {
		return &types.FailureDetails{Kind: KindNonDeterminism, Message: err.Error(), NonRetryable: true}
	}
	if errors.Is(err, ErrActivityTimeout) {
		return &types.FailureDetails{Kind: KindTimeout, Message: err.Error()}
	}
	return &types.FailureDetails{Kind: KindError, Message: err.Error()}
}
