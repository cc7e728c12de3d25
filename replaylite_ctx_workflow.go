package replaylite

import (
	"time"
)

// WorkflowContext is handed to workflow functions. Workflow code must be
// deterministic: it reaches the outside world only through activities and
// reads time only through Now.
type WorkflowContext struct {
	r *replayer
}

func (ctx WorkflowContext) InstanceID() string {
	return ctx.r.instance.ID
}

// Name is the registered name of the running workflow.
func (ctx WorkflowContext) Name() string {
	return ctx.r.instance.Name
}

// Now returns the time of the latest history event the workflow has
// observed. It is the same on every replay.
func (ctx WorkflowContext) Now() time.Time {
	return ctx.r.now
}

// IsReplaying reports whether the current step is being rebuilt from
// history rather than executed for the first time.
func (ctx WorkflowContext) IsReplaying() bool {
	return ctx.r.isReplaying()
}

// Logger writes only when the workflow is not replaying.
func (ctx WorkflowContext) Logger() Logger {
	return ctx.r.workflowLogger
}

// CallActivity schedules the named activity. The call does not block, the
// returned Future suspends the workflow on Get until the result is recorded.
func (ctx WorkflowContext) CallActivity(name string, input interface{}, opts ...ActivityOption) *Future {
	cfg := &activityCallConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return ctx.r.callActivity(name, input, cfg)
}

// CreateTimer returns a Future that resolves once d has elapsed, measured
// from Now.
func (ctx WorkflowContext) CreateTimer(d time.Duration) *Future {
	return ctx.r.createTimer(d)
}

// Sleep blocks the workflow for d.
func (ctx WorkflowContext) Sleep(d time.Duration) error {
	return ctx.CreateTimer(d).Get()
}
