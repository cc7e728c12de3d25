package replaylite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
)

func (e *Engine) runOrchestrationWorker(ctx context.Context, id int) {
	logger := e.logger.WithFields(map[string]interface{}{"worker": "orchestration", "worker_id": id})
	logger.Debug(ctx, "Orchestration worker started")
	defer logger.Debug(context.Background(), "Orchestration worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		item, err := e.backend.DequeueOrchestration(ctx, e.cfg.leaseTimeout)
		if err != nil {
			if !errors.Is(err, persistence.ErrNoWorkItem) && ctx.Err() == nil {
				logger.Error(ctx, "Dequeue orchestration failed", "error", err)
			}
			if !e.idle(ctx, e.wakeOrchestrations) {
				return
			}
			continue
		}

		if err := e.processOrchestration(ctx, item); err != nil {
			switch {
			case errors.Is(err, persistence.ErrLeaseLost):
				logger.Warn(ctx, "Orchestration lease lost, another worker owns the instance", "instance_id", item.InstanceID)
			default:
				logger.Error(ctx, "Orchestration failed, abandoning", "instance_id", item.InstanceID, "error", err)
				if abandonErr := e.backend.AbandonOrchestration(context.WithoutCancel(ctx), item, e.cfg.pollInterval); abandonErr != nil {
					logger.Error(ctx, "Abandon orchestration failed", "instance_id", item.InstanceID, "error", abandonErr)
				}
			}
		}
	}
}

// processOrchestration replays one instance and commits what the replay
// decided. The commit is not bound to ctx so a shutdown never leaves half of
// a decision behind.
func (e *Engine) processOrchestration(ctx context.Context, item *types.OrchestrationWorkItem) error {
	unlock := e.locks.Lock(item.InstanceID)
	defer unlock()

	inst, err := e.backend.GetInstance(ctx, item.InstanceID)
	if err != nil {
		return fmt.Errorf("get instance %s: %w", item.InstanceID, err)
	}
	commitCtx := context.WithoutCancel(ctx)

	if inst.Status.IsTerminal() {
		// late completion or cancel request, only the lease needs releasing
		return e.backend.CommitOrchestration(commitCtx, persistence.OrchestrationCommit{Item: item})
	}

	logger := e.logger.WithFields(map[string]interface{}{
		"workflow":    inst.Name,
		"instance_id": inst.ID,
	})

	def, ok := e.registry.workflow(inst.Name)
	if !ok {
		logger.Error(ctx, "Workflow not registered")
		d := &decision{final: &finalAction{
			status: types.StatusFailed,
			failure: &types.FailureDetails{
				Kind:         KindNotRegistered,
				Message:      fmt.Sprintf("%v: %s", ErrWorkflowNotRegistered, inst.Name),
				NonRetryable: true,
			},
		}}
		return e.backend.CommitOrchestration(commitCtx, buildCommit(item, d, time.Now()))
	}

	history, err := e.backend.ReadHistory(ctx, item.InstanceID)
	if err != nil {
		return fmt.Errorf("read history %s: %w", item.InstanceID, err)
	}

	d := replay(inst, history, def, e.cfg.codec, e.cfg.defaultRetryPolicy, e.logger)
	if d.nondet != nil {
		logger.Error(ctx, "Workflow diverged from its history", "error", d.nondet)
	}

	if err := e.backend.CommitOrchestration(commitCtx, buildCommit(item, d, time.Now())); err != nil {
		return err
	}

	if len(d.actions) > 0 {
		wake(e.wakeActivities)
	}
	if d.final != nil {
		logger.Debug(ctx, "Workflow finished", "status", d.final.status.String())
	}
	return nil
}

// buildCommit turns a decision into history events and queue writes.
func buildCommit(item *types.OrchestrationWorkItem, d *decision, now time.Time) persistence.OrchestrationCommit {
	commit := persistence.OrchestrationCommit{Item: item}

	for _, a := range d.actions {
		switch a.kind {
		case actionScheduleActivity:
			commit.Events = append(commit.Events, types.HistoryEvent{
				Type:        types.EventActivityScheduled,
				Timestamp:   now,
				TaskSeq:     a.seq,
				Name:        a.name,
				Input:       a.input,
				RetryPolicy: a.retryPolicy,
			})
			commit.Activities = append(commit.Activities, types.ActivityTask{
				InstanceID:  item.InstanceID,
				TaskSeq:     a.seq,
				Name:        a.name,
				Input:       a.input,
				RetryPolicy: a.retryPolicy,
			})
		case actionCreateTimer:
			commit.Events = append(commit.Events, types.HistoryEvent{
				Type:      types.EventTimerCreated,
				Timestamp: now,
				TaskSeq:   a.seq,
				FireAt:    a.fireAt,
			})
			commit.Timers = append(commit.Timers, types.TimerTask{
				InstanceID: item.InstanceID,
				TaskSeq:    a.seq,
				FireAt:     a.fireAt,
			})
		}
	}

	if d.final != nil {
		ev := types.HistoryEvent{Timestamp: now}
		if d.final.status == types.StatusCompleted {
			ev.Type = types.EventExecutionCompleted
			ev.Result = d.final.output
		} else {
			ev.Type = types.EventExecutionFailed
			ev.Failure = d.final.failure
		}
		commit.Events = append(commit.Events, ev)
		commit.Update = &persistence.InstanceUpdate{
			Status:  d.final.status,
			Output:  d.final.output,
			Failure: d.final.failure,
		}
	}
	return commit
}
