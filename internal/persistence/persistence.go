// Package persistence holds the history log and the two durable work
// queues of the engine.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/davidroman0O/replaylite/types"
)

// Backend errors
var (
	ErrInstanceNotFound = fmt.Errorf("instance not found")
	ErrInstanceExists   = fmt.Errorf("instance already exists")
	ErrNoWorkItem       = fmt.Errorf("no work item available")
	ErrLeaseLost        = fmt.Errorf("work item lease lost")
	ErrInstanceRunning  = fmt.Errorf("instance is still running")
)

// InstanceUpdate finalizes an instance inside an orchestration commit.
type InstanceUpdate struct {
	Status  types.InstanceStatus
	Output  []byte
	Failure *types.FailureDetails
}

// OrchestrationCommit is everything one replay produced. Backends apply it
// in a single transaction.
type OrchestrationCommit struct {
	Item *types.OrchestrationWorkItem
	// Events get their EventID assigned on append.
	Events     []types.HistoryEvent
	Activities []types.ActivityTask
	Timers     []types.TimerTask
	// Update is nil while the instance keeps running.
	Update *InstanceUpdate
}

// Backend is the history log plus the orchestration and activity queues.
//
// Appending an ActivityScheduled event and creating its ActivityTask happen
// in the same commit, as do appending ActivityCompleted and re-enqueueing the
// orchestration, so the log is always written ahead of the action it causes.
type Backend interface {
	// CreateInstance stores the instance, its first event and enqueues it.
	CreateInstance(ctx context.Context, inst *types.WorkflowInstance, started types.HistoryEvent) error
	GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error)
	ListInstances(ctx context.Context, status *types.InstanceStatus) ([]*types.WorkflowInstance, error)
	// ReadHistory returns the events ordered by EventID.
	ReadHistory(ctx context.Context, id string) ([]types.HistoryEvent, error)
	// AppendEvents appends external events and enqueues the orchestration.
	AppendEvents(ctx context.Context, id string, events ...types.HistoryEvent) error

	// DequeueOrchestration leases one instance. While leased the instance
	// is invisible to every other caller.
	DequeueOrchestration(ctx context.Context, leaseFor time.Duration) (*types.OrchestrationWorkItem, error)
	// CommitOrchestration returns ErrLeaseLost when the lock token is stale.
	// When new work arrived during the lease the instance stays queued.
	CommitOrchestration(ctx context.Context, commit OrchestrationCommit) error
	AbandonOrchestration(ctx context.Context, item *types.OrchestrationWorkItem, delay time.Duration) error

	DequeueActivity(ctx context.Context, leaseFor time.Duration) (*types.ActivityTask, error)
	ExtendActivityLease(ctx context.Context, task *types.ActivityTask, leaseFor time.Duration) error
	// CompleteActivity appends the completion, removes the task and
	// enqueues the orchestration. The orchestration is not enqueued when the
	// instance already left Running.
	CompleteActivity(ctx context.Context, task *types.ActivityTask, completed types.HistoryEvent) error
	AbandonActivity(ctx context.Context, task *types.ActivityTask, delay time.Duration) error

	// FireDueTimers appends TimerFired for every timer due at now.
	FireDueTimers(ctx context.Context, now time.Time) (int, error)
	// RecoverLeases releases every lease that expires before the deadline.
	RecoverLeases(ctx context.Context, deadline time.Time) (int, error)

	// Purge deletes a terminal instance and its history.
	Purge(ctx context.Context, id string) error
	Close() error
}
