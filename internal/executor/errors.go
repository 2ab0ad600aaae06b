package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthenticationError means the CLI rejected the invocation for credential
// reasons. Terminal: never retried.
type AuthenticationError struct {
	TaskID    string
	Message   string
	Timestamp time.Time
}

// NewAuthenticationError creates an AuthenticationError with the current timestamp.
func NewAuthenticationError(taskID, msg string) *AuthenticationError {
	return &AuthenticationError{TaskID: taskID, Message: msg, Timestamp: time.Now()}
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("task %s: authentication failed: %s", e.TaskID, e.Message)
}

// TimeoutError means an attempt exceeded its execution budget and the
// subprocess was killed. Retryable.
type TimeoutError struct {
	TaskID      string
	Timeout     time.Duration
	Remediation string // Actionable guidance surfaced with the error
	Timestamp   time.Time
}

// NewTimeoutError creates a TimeoutError with remediation text.
func NewTimeoutError(taskID string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		TaskID:      taskID,
		Timeout:     timeout,
		Remediation: fmt.Sprintf("increase cli.timeout (currently %v) or split the source file into smaller generation tasks", timeout),
		Timestamp:   time.Now(),
	}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s: timeout after %v (%s)", e.TaskID, e.Timeout, e.Remediation)
}

// Unwrap returns context.DeadlineExceeded to support errors.Is checks.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// RateLimitError means the CLI reported an API rate limit. Retryable, with
// extended backoff; ResetAt is zero when the CLI gave no reset time.
type RateLimitError struct {
	TaskID    string
	Message   string
	ResetAt   time.Time
	Timestamp time.Time
}

// NewRateLimitError creates a RateLimitError. resetAt may be the zero time.
func NewRateLimitError(taskID, msg string, resetAt time.Time) *RateLimitError {
	return &RateLimitError{TaskID: taskID, Message: msg, ResetAt: resetAt, Timestamp: time.Now()}
}

func (e *RateLimitError) Error() string {
	if !e.ResetAt.IsZero() {
		return fmt.Sprintf("task %s: rate limited until %s: %s", e.TaskID, e.ResetAt.Format(time.RFC3339), e.Message)
	}
	return fmt.Sprintf("task %s: rate limited: %s", e.TaskID, e.Message)
}

// NetworkError means the CLI could not reach its backend. Retryable.
type NetworkError struct {
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// NewNetworkError creates a NetworkError wrapping the underlying cause.
func NewNetworkError(taskID, msg string, err error) *NetworkError {
	return &NetworkError{TaskID: taskID, Message: msg, Err: err, Timestamp: time.Now()}
}

func (e *NetworkError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: network error: %s", e.TaskID, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ResponseParseError means subprocess output could not be interpreted.
// The executor's raw fallback makes this rare; it is terminal when it occurs.
type ResponseParseError struct {
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// NewResponseParseError creates a ResponseParseError wrapping the cause.
func NewResponseParseError(taskID, msg string, err error) *ResponseParseError {
	return &ResponseParseError{TaskID: taskID, Message: msg, Err: err, Timestamp: time.Now()}
}

func (e *ResponseParseError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: response parse error: %s", e.TaskID, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *ResponseParseError) Unwrap() error {
	return e.Err
}

// CheckpointError wraps checkpoint store I/O failures so the execution
// service can recognize them and fall back to a fresh, non-resumed run.
type CheckpointError struct {
	TaskID    string
	Operation string // create, update, complete, fail, resume
	Err       error
	Timestamp time.Time
}

// NewCheckpointError wraps a store failure for the given operation.
func NewCheckpointError(taskID, operation string, err error) *CheckpointError {
	return &CheckpointError{TaskID: taskID, Operation: operation, Err: err, Timestamp: time.Now()}
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("task %s: checkpoint %s failed: %v", e.TaskID, e.Operation, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// TaskError is the generic wrapper for anything uncategorized.
type TaskError struct {
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// NewTaskError creates a TaskError with the current timestamp.
func NewTaskError(taskID, msg string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Message: msg, Err: err, Timestamp: time.Now()}
}

func (e *TaskError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: %s", e.TaskID, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError checks if the error is or wraps an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or
// context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRateLimitError checks if the error is or wraps a RateLimitError.
func IsRateLimitError(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsNetworkError checks if the error is or wraps a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsCheckpointError checks if the error is or wraps a CheckpointError.
func IsCheckpointError(err error) bool {
	var ce *CheckpointError
	return errors.As(err, &ce)
}

// IsRetryable reports whether the error class is retried. The retryable
// classes are exactly timeout, network, and rate-limit; authentication and
// validation errors are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsTimeoutError(err) || IsNetworkError(err) || IsRateLimitError(err)
}
