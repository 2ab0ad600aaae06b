package models

import "time"

// TaskOutcome represents the terminal result of executing a single task.
// Exactly one outcome is produced per task; failures are carried as a typed
// error value, never as a panic crossing the queue boundary.
type TaskOutcome struct {
	TaskID        string        // The task that was executed
	Success       bool          // Whether generation succeeded
	GeneratedText string        // Generated test code (empty on failure)
	TokensUsed    int           // Actual tokens consumed
	ActualCost    float64       // Actual cost in USD
	Duration      time.Duration // Wall-clock time for the winning attempt chain
	Attempts      int           // Number of attempts made (1 = no retries)
	Complexity    Complexity    // Complexity class assigned by the queue
	Degraded      bool          // True if produced by the degraded-mode fallback
	Resumed       bool          // True if the task resumed from a checkpoint
	Err           error         // Typed error on failure, nil on success
}

// RunStats accumulates per-task outcomes into run-level statistics.
type RunStats struct {
	TotalTasks  int           // Total number of tasks in the batch
	Completed   int           // Tasks that produced a result
	Failed      int           // Tasks that exhausted retries or hit a terminal error
	Degraded    int           // Tasks satisfied by the degraded-mode fallback
	Resumed     int           // Tasks resumed from a prior checkpoint
	TotalTokens int           // Sum of actual tokens across completed tasks
	TotalCost   float64       // Sum of actual cost across completed tasks
	Duration    time.Duration // Total batch execution time
	FailedTasks []TaskOutcome // Details of every failed task, for the report
}

// SuccessRate returns the fraction of tasks that completed, in [0,1].
// A run with no tasks reports 1.0.
func (s *RunStats) SuccessRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 1.0
	}
	return float64(s.Completed) / float64(total)
}
