// Package logger provides logging implementations for test generation runs.
//
// Implementations are thread-safe and write to the console, to per-run log
// files, or nowhere at all. All console output carries [HH:MM:SS] timestamps
// and supports log level filtering.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/testforge/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// Logger is the event sink the executor and pool report through.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogBatchStart(totalTasks, concurrency int)
	LogTaskOutcome(outcome models.TaskOutcome)
	LogProgress(completed, total int, avgPerTask time.Duration)
	LogSummary(stats models.RunStats)
}

// ConsoleLogger logs run progress to a writer with timestamps and thread
// safety. Color output is enabled automatically when the writer is a TTY.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive); empty or
// invalid levels default to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// shouldLog reports whether a message at the given level passes the filter.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}

	cl.writer.Write([]byte(formatted))
}

func colorLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// LogBatchStart logs the start of a batch at INFO level.
// Format: "[HH:MM:SS] Starting batch: <n> tasks (max concurrency: <c>)"
func (cl *ConsoleLogger) LogBatchStart(totalTasks, concurrency int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	taskLabel := "tasks"
	if totalTasks == 1 {
		taskLabel = "task"
	}

	var message string
	if cl.colorOutput {
		header := color.New(color.Bold).Sprint("Starting batch")
		message = fmt.Sprintf("[%s] %s: %d %s (max concurrency: %d)\n", ts, header, totalTasks, taskLabel, concurrency)
	} else {
		message = fmt.Sprintf("[%s] Starting batch: %d %s (max concurrency: %d)\n", ts, totalTasks, taskLabel, concurrency)
	}

	cl.writer.Write([]byte(message))
}

// LogTaskOutcome logs the terminal result of a task at DEBUG level.
// Format: "[HH:MM:SS] Task <id>: <status> (<attempts> attempts, <tokens> tokens)"
func (cl *ConsoleLogger) LogTaskOutcome(outcome models.TaskOutcome) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	status := outcomeStatus(outcome)
	if cl.colorOutput {
		switch {
		case outcome.Success && outcome.Degraded:
			status = color.New(color.FgYellow).Sprint(status)
		case outcome.Success:
			status = color.New(color.FgGreen).Sprint(status)
		default:
			status = color.New(color.FgRed).Sprint(status)
		}
	}

	message := fmt.Sprintf("[%s] Task %s: %s (%d attempts, %d tokens)\n",
		ts, outcome.TaskID, status, outcome.Attempts, outcome.TokensUsed)
	cl.writer.Write([]byte(message))
}

func outcomeStatus(outcome models.TaskOutcome) string {
	switch {
	case outcome.Success && outcome.Degraded:
		return "DEGRADED"
	case outcome.Success:
		return "COMPLETED"
	default:
		return "FAILED"
	}
}

// LogProgress logs real-time batch progress at INFO level.
// Format: "[HH:MM:SS] Progress: [=====     ] 4/8 (50%) - Avg: 3s/task"
func (cl *ConsoleLogger) LogProgress(completed, total int, avgPerTask time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()

	pb := NewProgressBar(total, 10, cl.colorOutput)
	pb.Update(completed)

	var avgStr string
	if avgPerTask > 0 {
		avgStr = fmt.Sprintf(" - Avg: %s/task", formatDuration(avgPerTask))
	}

	message := fmt.Sprintf("[%s] Progress: %s%s\n", ts, pb.Render(), avgStr)
	cl.writer.Write([]byte(message))
}

// LogSummary logs the run summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(stats models.RunStats) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	durationStr := formatDuration(stats.Duration)

	var output string
	if cl.colorOutput {
		header := color.New(color.Bold).Sprint("=== Run Summary ===")
		output = fmt.Sprintf("[%s] %s\n", ts, header)
		output += fmt.Sprintf("[%s] Total tasks: %d\n", ts, stats.TotalTasks)
		output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgGreen).Sprintf("Completed: %d", stats.Completed))
		if stats.Failed > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprintf("Failed: %d", stats.Failed))
		} else {
			output += fmt.Sprintf("[%s] Failed: %d\n", ts, stats.Failed)
		}
		if stats.Degraded > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgYellow).Sprintf("Degraded: %d", stats.Degraded))
		}
		if stats.Resumed > 0 {
			output += fmt.Sprintf("[%s] Resumed: %d\n", ts, stats.Resumed)
		}
		output += fmt.Sprintf("[%s] Tokens used: %d ($%.4f)\n", ts, stats.TotalTokens, stats.TotalCost)
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, durationStr)

		if len(stats.FailedTasks) > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprint("Failed tasks:"))
			for _, failed := range stats.FailedTasks {
				name := color.New(color.FgRed).Sprint(failed.TaskID)
				output += fmt.Sprintf("[%s]   - %s: %v\n", ts, name, failed.Err)
			}
		}
	} else {
		output = fmt.Sprintf("[%s] === Run Summary ===\n", ts)
		output += fmt.Sprintf("[%s] Total tasks: %d\n", ts, stats.TotalTasks)
		output += fmt.Sprintf("[%s] Completed: %d\n", ts, stats.Completed)
		output += fmt.Sprintf("[%s] Failed: %d\n", ts, stats.Failed)
		if stats.Degraded > 0 {
			output += fmt.Sprintf("[%s] Degraded: %d\n", ts, stats.Degraded)
		}
		if stats.Resumed > 0 {
			output += fmt.Sprintf("[%s] Resumed: %d\n", ts, stats.Resumed)
		}
		output += fmt.Sprintf("[%s] Tokens used: %d ($%.4f)\n", ts, stats.TotalTokens, stats.TotalCost)
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, durationStr)

		if len(stats.FailedTasks) > 0 {
			output += fmt.Sprintf("[%s] Failed tasks:\n", ts)
			for _, failed := range stats.FailedTasks {
				output += fmt.Sprintf("[%s]   - %s: %v\n", ts, failed.TaskID, failed.Err)
			}
		}
	}

	cl.writer.Write([]byte(output))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(message string) {}
func (n *NoOpLogger) LogDebug(message string) {}
func (n *NoOpLogger) LogInfo(message string)  {}
func (n *NoOpLogger) LogWarn(message string)  {}
func (n *NoOpLogger) LogError(message string) {}

func (n *NoOpLogger) LogBatchStart(totalTasks, concurrency int) {}

func (n *NoOpLogger) LogTaskOutcome(outcome models.TaskOutcome) {}

func (n *NoOpLogger) LogProgress(completed, total int, avgPerTask time.Duration) {}

func (n *NoOpLogger) LogSummary(stats models.RunStats) {}
