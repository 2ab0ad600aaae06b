package models

import "errors"

// Task represents a single test-generation task for one source file.
// Tasks are created by the task supplier before the batch starts and are
// never mutated afterwards; the queue owns a task until it is dispatched.
type Task struct {
	ID              string  // Unique task identifier
	Prompt          string  // Full prompt sent to the AI CLI subprocess
	EstimatedTokens int     // Estimated token usage for the generation
	EstimatedCost   float64 // Estimated cost in USD
	SourceFile      string  // Source file the tests are generated for
	OutputFile      string  // Destination path for the generated test file
}

// Validate checks if the task has all required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Prompt == "" {
		return errors.New("task prompt is required")
	}
	if t.SourceFile == "" {
		return errors.New("task source file is required")
	}
	if t.OutputFile == "" {
		return errors.New("task output file is required")
	}
	return nil
}

// Complexity classifies a task for retry-timeout parameterization.
// It is advisory only and never gates execution.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)
