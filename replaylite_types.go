package replaylite

import (
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/types"
)

type (
	RetryPolicy    = types.RetryPolicy
	InstanceStatus = types.InstanceStatus
	HistoryEvent   = types.HistoryEvent
)

const (
	StatusRunning   = types.StatusRunning
	StatusCompleted = types.StatusCompleted
	StatusFailed    = types.StatusFailed
	StatusCanceled  = types.StatusCanceled
)

// DefaultRetryPolicy runs an activity once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        1,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        5 * time.Minute,
	}
}

type activityCallConfig struct {
	retryPolicy *RetryPolicy
}

type ActivityOption func(*activityCallConfig)

// WithActivityRetryPolicy overrides the engine default for one call.
func WithActivityRetryPolicy(policy RetryPolicy) ActivityOption {
	return func(c *activityCallConfig) {
		c.retryPolicy = &policy
	}
}

type scheduleConfig struct {
	instanceID string
}

type ScheduleOption func(*scheduleConfig)

func WithInstanceID(id string) ScheduleOption {
	return func(c *scheduleConfig) {
		c.instanceID = id
	}
}

// WorkflowState is a snapshot of an instance.
type WorkflowState struct {
	InstanceID string
	Name       string
	Status     InstanceStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time

	input   []byte
	output  []byte
	failure *types.FailureDetails
	codec   codec.Codec
}

func newWorkflowState(inst *types.WorkflowInstance, c codec.Codec) *WorkflowState {
	return &WorkflowState{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Status:     inst.Status,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
		input:      inst.Input,
		output:     inst.Output,
		failure:    inst.Failure,
		codec:      c,
	}
}

func (s *WorkflowState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Output decodes the workflow result into out. It is a no-op when the
// workflow produced no output.
func (s *WorkflowState) Output(out interface{}) error {
	if len(s.output) == 0 || out == nil {
		return nil
	}
	return s.codec.Unmarshal(s.output, out)
}

// Input decodes the payload the instance was scheduled with.
func (s *WorkflowState) Input(out interface{}) error {
	if len(s.input) == 0 || out == nil {
		return nil
	}
	return s.codec.Unmarshal(s.input, out)
}

// Err returns the failure of a Failed or Canceled instance.
func (s *WorkflowState) Err() error {
	if s.failure == nil {
		return nil
	}
	return &WorkflowError{
		InstanceID: s.InstanceID,
		Kind:       s.failure.Kind,
		Message:    s.failure.Message,
	}
}
