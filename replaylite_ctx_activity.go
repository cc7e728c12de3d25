package replaylite

import "context"

// ActivityContext is handed to activity functions. It is canceled when the
// attempt times out or the engine shuts down.
type ActivityContext struct {
	context.Context
	instanceID string
	name       string
	taskSeq    int64
	attempt    int
	logger     Logger
}

func (ctx ActivityContext) InstanceID() string {
	return ctx.instanceID
}

func (ctx ActivityContext) Name() string {
	return ctx.name
}

// TaskSeq is the workflow step that scheduled this activity. Together with
// InstanceID it is stable across retries and makes a good idempotency key.
func (ctx ActivityContext) TaskSeq() int64 {
	return ctx.taskSeq
}

// Attempt starts at 1.
func (ctx ActivityContext) Attempt() int {
	return ctx.attempt
}

func (ctx ActivityContext) Logger() Logger {
	return ctx.logger
}
