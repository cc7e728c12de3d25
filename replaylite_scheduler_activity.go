package replaylite

import (
	"context"
	"errors"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
)

func (e *Engine) runActivityWorker(ctx context.Context, id int) {
	logger := e.logger.WithFields(map[string]interface{}{"worker": "activity", "worker_id": id})
	logger.Debug(ctx, "Activity worker started")
	defer logger.Debug(context.Background(), "Activity worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := e.backend.DequeueActivity(ctx, e.cfg.leaseTimeout)
		if err != nil {
			if !errors.Is(err, persistence.ErrNoWorkItem) && ctx.Err() == nil {
				logger.Error(ctx, "Dequeue activity failed", "error", err)
			}
			if !e.idle(ctx, e.wakeActivities) {
				return
			}
			continue
		}
		e.processActivity(ctx, task, logger)
	}
}

func (e *Engine) processActivity(ctx context.Context, task *types.ActivityTask, logger Logger) {
	logger = logger.WithFields(map[string]interface{}{
		"activity":    task.Name,
		"instance_id": task.InstanceID,
		"task_seq":    task.TaskSeq,
	})

	stopHeartbeat := e.heartbeat(ctx, task, logger)
	outcome := e.executor.execute(ctx, task)
	stopHeartbeat()

	writeCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// shutting down: the result may be partial, let the next run redo it
		if err := e.backend.AbandonActivity(writeCtx, task, 0); err != nil {
			logger.Error(ctx, "Abandon activity failed", "error", err)
		}
		return
	}

	completed := types.HistoryEvent{
		Type:      types.EventActivityCompleted,
		Timestamp: time.Now(),
		TaskSeq:   task.TaskSeq,
		Name:      task.Name,
		Result:    outcome.result,
		Failure:   outcome.failure,
	}
	if err := e.backend.CompleteActivity(writeCtx, task, completed); err != nil {
		if errors.Is(err, persistence.ErrLeaseLost) {
			logger.Warn(ctx, "Activity lease lost, result dropped", "attempts", outcome.attempts)
			return
		}
		logger.Error(ctx, "Complete activity failed", "error", err)
		if err := e.backend.AbandonActivity(writeCtx, task, e.cfg.pollInterval); err != nil {
			logger.Error(ctx, "Abandon activity failed", "error", err)
		}
		return
	}

	if outcome.failure != nil {
		logger.Info(ctx, "Activity failed", "attempts", outcome.attempts, "kind", outcome.failure.Kind, "error", outcome.failure.Message)
	} else {
		logger.Debug(ctx, "Activity completed", "attempts", outcome.attempts)
	}
	wake(e.wakeOrchestrations)
}

// heartbeat renews the activity lease while it runs so that long
// activities are not handed to another worker.
func (e *Engine) heartbeat(ctx context.Context, task *types.ActivityTask, logger Logger) func() {
	interval := e.cfg.leaseTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.backend.ExtendActivityLease(ctx, task, e.cfg.leaseTimeout); err != nil && ctx.Err() == nil {
					logger.Warn(ctx, "Extend activity lease failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// fireTimers moves due timers into history.
func (e *Engine) fireTimers(ctx context.Context) error {
	fired, err := e.backend.FireDueTimers(ctx, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if fired > 0 {
		e.logger.Debug(ctx, "Timers fired", "count", fired)
		wake(e.wakeOrchestrations)
	}
	return nil
}

// recoverLeases makes work held by stalled workers visible again.
func (e *Engine) recoverLeases(ctx context.Context) error {
	recovered, err := e.backend.RecoverLeases(ctx, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if recovered > 0 {
		e.logger.Warn(ctx, "Recovered expired leases", "count", recovered)
		wake(e.wakeOrchestrations)
		wake(e.wakeActivities)
	}
	return nil
}
