package types

import (
	"fmt"
	"time"
)

// FailureDetails is the recorded form of an error.
type FailureDetails struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}

func (f *FailureDetails) Error() string {
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// RetryPolicy bounds the attempts of one activity call.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxInterval        time.Duration `json:"max_interval"`
	// Timeout applies to each attempt, zero means none.
	Timeout time.Duration `json:"timeout"`
}

// HistoryEvent is one append-only entry of an instance history.
//
// EventID is assigned by the history log and is strictly increasing per
// instance. TaskSeq is the step number of the workflow call that produced
// an activity or a timer; it pairs scheduled and completion events.
type HistoryEvent struct {
	InstanceID  string          `json:"instance_id"`
	EventID     int64           `json:"event_id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	TaskSeq     int64           `json:"task_seq,omitempty"`
	Name        string          `json:"name,omitempty"`
	Input       []byte          `json:"input,omitempty"`
	Result      []byte          `json:"result,omitempty"`
	Failure     *FailureDetails `json:"failure,omitempty"`
	FireAt      time.Time       `json:"fire_at,omitempty"`
	RetryPolicy *RetryPolicy    `json:"retry_policy,omitempty"`
}

// WorkflowInstance is one orchestration instance.
type WorkflowInstance struct {
	ID        string
	Name      string
	Input     []byte
	Status    InstanceStatus
	Output    []byte
	Failure   *FailureDetails
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivityTask is a unit of work waiting for an activity worker.
type ActivityTask struct {
	InstanceID  string
	TaskSeq     int64
	Name        string
	Input       []byte
	RetryPolicy *RetryPolicy
	// Attempt counts how many times the task was leased.
	Attempt   int
	LockToken string
}

// TimerTask fires a TimerFired event at FireAt.
type TimerTask struct {
	InstanceID string
	TaskSeq    int64
	FireAt     time.Time
}

// OrchestrationWorkItem is a leased reference to an instance that needs a replay.
type OrchestrationWorkItem struct {
	InstanceID string
	LockToken  string
	// Generation changes each time new work is enqueued for the instance.
	Generation int64
}
