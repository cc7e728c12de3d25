package types

import "fmt"

// InstanceStatus is the runtime status of a workflow instance.
type InstanceStatus int

const (
	StatusRunning InstanceStatus = iota
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func InstanceStatusValues() []string {
	return []string{
		"Running",
		"Completed",
		"Failed",
		"Canceled",
	}
}

func (s InstanceStatus) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the instance left Running.
func (s InstanceStatus) IsTerminal() bool {
	return s != StatusRunning
}

func ParseInstanceStatus(value string) (InstanceStatus, error) {
	for i, v := range InstanceStatusValues() {
		if v == value {
			return InstanceStatus(i), nil
		}
	}
	return StatusRunning, fmt.Errorf("unknown instance status %q", value)
}

// EventType identifies a history event variant.
type EventType int

const (
	EventOrchestratorStarted EventType = iota
	EventActivityScheduled
	EventActivityCompleted
	EventTimerCreated
	EventTimerFired
	EventCancellationRequested
	EventExecutionCompleted
	EventExecutionFailed
)

func EventTypeValues() []string {
	return []string{
		"OrchestratorStarted",
		"ActivityScheduled",
		"ActivityCompleted",
		"TimerCreated",
		"TimerFired",
		"CancellationRequested",
		"ExecutionCompleted",
		"ExecutionFailed",
	}
}

func (t EventType) String() string {
	values := EventTypeValues()
	if int(t) < 0 || int(t) >= len(values) {
		return "Unknown"
	}
	return values[t]
}

func ParseEventType(value string) (EventType, error) {
	for i, v := range EventTypeValues() {
		if v == value {
			return EventType(i), nil
		}
	}
	return EventOrchestratorStarted, fmt.Errorf("unknown event type %q", value)
}
