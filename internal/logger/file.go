package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/testforge/internal/models"
)

// FileLogger logs run events to files in a logs directory. It creates a
// timestamped per-run log file, per-task detail logs under tasks/, and
// maintains a latest.log symlink pointing to the most recent run.
// It is thread-safe and supports log level filtering.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing to .testforge/logs/ in the
// current working directory with the default "info" level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".testforge", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log
// directory and log level. Useful for testing or custom deployments.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== Testforge Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message))
}

// LogBatchStart logs the start of a batch at INFO level.
func (fl *FileLogger) LogBatchStart(totalTasks, concurrency int) {
	if !fl.shouldLog("info") {
		return
	}

	taskLabel := "tasks"
	if totalTasks == 1 {
		taskLabel = "task"
	}
	fl.writeRunLog(fmt.Sprintf(
		"[%s] Starting batch: %d %s (max concurrency: %d)\n",
		time.Now().Format("15:04:05"), totalTasks, taskLabel, concurrency,
	))
}

// LogProgress is a no-op for the file logger; progress bars are console-only.
func (fl *FileLogger) LogProgress(completed, total int, avgPerTask time.Duration) {
}

// LogSummary logs the run summary with final statistics at INFO level.
func (fl *FileLogger) LogSummary(stats models.RunStats) {
	if !fl.shouldLog("info") {
		return
	}

	ts := time.Now().Format("15:04:05")

	status := "SUCCESS"
	if stats.Failed > 0 {
		if stats.Completed == 0 {
			status = "FAILED"
		} else {
			status = "PARTIAL"
		}
	}

	message := fmt.Sprintf(
		"\n[%s] === RUN SUMMARY ===\n"+
			"[%s] Total tasks:  %d\n"+
			"[%s] Completed:    %d\n"+
			"[%s] Failed:       %d\n"+
			"[%s] Degraded:     %d\n"+
			"[%s] Resumed:      %d\n"+
			"[%s] Tokens used:  %d ($%.4f)\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Status:       %s (%d/%d tasks passed)\n"+
			"[%s] Completed at: %s\n",
		ts,
		ts, stats.TotalTasks,
		ts, stats.Completed,
		ts, stats.Failed,
		ts, stats.Degraded,
		ts, stats.Resumed,
		ts, stats.TotalTokens, stats.TotalCost,
		ts, stats.Duration.Seconds(),
		ts, status, stats.Completed, stats.TotalTasks,
		ts, time.Now().Format(time.RFC3339),
	)

	fl.writeRunLog(message)
}

// LogTaskOutcome writes a per-task detail log in the tasks/ subdirectory.
func (fl *FileLogger) LogTaskOutcome(outcome models.TaskOutcome) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	taskLogPath := filepath.Join(fl.tasksDir, fmt.Sprintf("task-%s.log", outcome.TaskID))

	file, err := os.OpenFile(taskLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}
	defer file.Close()

	content := fmt.Sprintf("=== Task %s ===\n", outcome.TaskID)
	content += fmt.Sprintf("Status: %s\n", outcomeStatus(outcome))
	content += fmt.Sprintf("Complexity: %s\n", outcome.Complexity)
	content += fmt.Sprintf("Duration: %.1fs\n", outcome.Duration.Seconds())
	content += fmt.Sprintf("Attempts: %d\n", outcome.Attempts)
	content += fmt.Sprintf("Tokens: %d ($%.4f)\n", outcome.TokensUsed, outcome.ActualCost)
	if outcome.Resumed {
		content += "Resumed from checkpoint: yes\n"
	}
	content += "\n"

	if outcome.GeneratedText != "" {
		content += fmt.Sprintf("Generated output:\n%s\n\n", outcome.GeneratedText)
	}
	if outcome.Err != nil {
		content += fmt.Sprintf("Error:\n%v\n\n", outcome.Err)
	}

	content += fmt.Sprintf("Completed at: %s\n", time.Now().Format(time.RFC3339))

	file.WriteString(content)
}

// RunFile returns the path of the current run log file.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time tailing
		fl.runLog.Sync()
	}
}
