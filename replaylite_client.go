package replaylite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/replaylite/types"
	"github.com/google/uuid"
)

// ScheduleNewWorkflow creates a Running instance of the named workflow and
// returns its ID. The instance and its first history event are written
// together.
func (e *Engine) ScheduleNewWorkflow(ctx context.Context, name string, input interface{}, opts ...ScheduleOption) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	cfg := &scheduleConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.instanceID == "" {
		cfg.instanceID = uuid.NewString()
	}

	if _, ok := e.registry.workflow(name); !ok {
		return "", errors.Join(ErrWorkflowNotRegistered, fmt.Errorf("workflow %s", name))
	}

	data, err := e.cfg.codec.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input of %s: %w", name, err)
	}

	now := time.Now()
	inst := &types.WorkflowInstance{
		ID:        cfg.instanceID,
		Name:      name,
		Input:     data,
		Status:    types.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	started := types.HistoryEvent{
		Type:      types.EventOrchestratorStarted,
		Timestamp: now,
		Name:      name,
		Input:     data,
	}
	if err := e.backend.CreateInstance(ctx, inst, started); err != nil {
		return "", err
	}

	e.logger.Debug(ctx, "Workflow scheduled", "workflow", name, "instance_id", inst.ID)
	wake(e.wakeOrchestrations)
	return inst.ID, nil
}

func (e *Engine) GetWorkflowState(ctx context.Context, id string) (*WorkflowState, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	inst, err := e.backend.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return newWorkflowState(inst, e.cfg.codec), nil
}

// WaitForWorkflowCompletion polls until the instance leaves Running. When
// timeout elapses first it returns the last state seen together with
// ErrTimeout; the workflow itself keeps running. A timeout of zero waits
// until ctx is done.
func (e *Engine) WaitForWorkflowCompletion(ctx context.Context, id string, timeout time.Duration) (*WorkflowState, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.cfg.pollInterval)
	defer ticker.Stop()

	for {
		state, err := e.GetWorkflowState(ctx, id)
		if err != nil {
			return nil, err
		}
		if state.IsTerminal() {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline:
			return state, errors.Join(ErrTimeout, fmt.Errorf("instance %s still %s after %s", id, state.Status, timeout))
		case <-ticker.C:
		}
	}
}

// CancelWorkflow asks a running instance to stop. The next replay marks it
// Canceled; activities already running finish but their results are ignored.
func (e *Engine) CancelWorkflow(ctx context.Context, id string, reason string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	inst, err := e.backend.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return errors.Join(ErrInstanceTerminal, fmt.Errorf("instance %s is %s", id, inst.Status))
	}
	if reason == "" {
		reason = "workflow canceled"
	}
	err = e.backend.AppendEvents(ctx, id, types.HistoryEvent{
		Type:      types.EventCancellationRequested,
		Timestamp: time.Now(),
		Failure:   &types.FailureDetails{Kind: KindCanceled, Message: reason},
	})
	if err != nil {
		return err
	}
	e.logger.Info(ctx, "Workflow cancellation requested", "instance_id", id, "reason", reason)
	wake(e.wakeOrchestrations)
	return nil
}

// PurgeWorkflow deletes a finished instance and its history. Running
// instances are refused with ErrInstanceRunning.
func (e *Engine) PurgeWorkflow(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.backend.Purge(ctx, id)
}

// ListWorkflows returns every instance, or only those in status when one
// is given.
func (e *Engine) ListWorkflows(ctx context.Context, status ...InstanceStatus) ([]*WorkflowState, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var filter *types.InstanceStatus
	if len(status) > 0 {
		filter = &status[0]
	}
	instances, err := e.backend.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	states := make([]*WorkflowState, 0, len(instances))
	for _, inst := range instances {
		states = append(states, newWorkflowState(inst, e.cfg.codec))
	}
	return states, nil
}

// History returns the recorded events of an instance in order.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := e.backend.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.backend.ReadHistory(ctx, id)
}
