package pool

import "time"

// EventType identifies the kind of pool event.
type EventType string

const (
	// EventProcessStarted fires when a subprocess is registered.
	EventProcessStarted EventType = "process-started"
	// EventWarning fires when a process crosses a percent-of-timeout
	// threshold or accumulates health warnings.
	EventWarning EventType = "warning"
	// EventResourceWarning fires when CPU or memory enters the warning zone.
	EventResourceWarning EventType = "resource-warning"
	// EventTerminated fires after the pool forcibly kills a process.
	EventTerminated EventType = "terminated"
)

// Event is emitted by the pool manager for observation by the execution
// layer and loggers. The pool never mutates task outcomes itself; events are
// its only output besides the kill signal.
type Event struct {
	Type     EventType
	TaskID   string
	Reason   string   // Populated for terminated events
	Messages []string // Populated for warning events
	Time     time.Time
}
