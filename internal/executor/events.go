package executor

import (
	"time"

	"github.com/harrison/testforge/internal/models"
)

// EventType identifies the kind of task lifecycle event.
type EventType string

const (
	// EventTaskStart fires when a task's first attempt begins.
	EventTaskStart EventType = "task:start"
	// EventTaskRetry fires before a retry attempt, carrying the backoff
	// delay, complexity class, and chosen strategy.
	EventTaskRetry EventType = "task:retry"
	// EventTaskComplete fires when a task produces a result.
	EventTaskComplete EventType = "task:complete"
	// EventTaskFailed fires when a task exhausts retries or hits a terminal
	// error.
	EventTaskFailed EventType = "task:failed"
	// EventTaskProgress fires at meaningful state changes (phase moves,
	// resume, degraded fallback).
	EventTaskProgress EventType = "task:progress"
)

// Event is one task lifecycle notification. Per task, events arrive in
// causal order: start, zero or more retry/progress, then one terminal event.
type Event struct {
	Type       EventType
	TaskID     string
	Attempt    int
	Delay      time.Duration     // Retry events: the backoff before the attempt
	Complexity models.Complexity // Retry events
	Strategy   string            // Retry events: recommended strategy name
	Phase      string            // Progress events
	Progress   int               // Progress events: percent
	Message    string
	Err        error // Failed events
	Time       time.Time
}
