package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/testforge/internal/breaker"
	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/config"
	"github.com/harrison/testforge/internal/executor"
	"github.com/harrison/testforge/internal/filelock"
	"github.com/harrison/testforge/internal/health"
	"github.com/harrison/testforge/internal/logger"
	"github.com/harrison/testforge/internal/models"
	"github.com/harrison/testforge/internal/pool"
	"github.com/harrison/testforge/internal/ratelimit"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <manifest-file>",
		Short: "Execute a test-generation manifest",
		Long: `Execute a test-generation manifest by orchestrating AI CLI subprocesses.

The run command loads the task manifest (YAML), assesses each task's
complexity, and executes tasks through a bounded subprocess pool with
heartbeat monitoring, checkpoint-backed retry, and circuit breaking.

Configuration is loaded from .testforge/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  testforge run tasks.yaml
  testforge run --max-concurrency 5 tasks.yaml
  testforge run --timeout 20m tasks.yaml        # Per-attempt CLI timeout
  testforge run --model opus tasks.yaml
  testforge run --dry-run tasks.yaml            # Validate without executing
  testforge run --retry-failed tasks.yaml       # Reactivate failed checkpoints first
  testforge run --verbose tasks.yaml            # Show detailed progress
  testforge run --log-dir ./logs tasks.yaml
  testforge run --config custom.yaml tasks.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .testforge/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Validate the manifest without executing tasks")
	cmd.Flags().Bool("retry-failed", false, "Reactivate failed checkpoints for tasks in the manifest so they resume")
	cmd.Flags().Int("max-concurrency", 0, "Maximum number of concurrent subprocesses")
	cmd.Flags().String("timeout", "", "Per-attempt CLI timeout (e.g., 10m, 1h)")
	cmd.Flags().String("model", "", "Model passed to the CLI (overrides config)")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().String("checkpoint-db", "", "Path to the checkpoint database")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Build flag pointers for merge (only values the user actually set)
	var maxConcurrencyPtr *int
	if cmd.Flags().Changed("max-concurrency") {
		v, _ := cmd.Flags().GetInt("max-concurrency")
		maxConcurrencyPtr = &v
	}

	var timeoutPtr *time.Duration
	if cmd.Flags().Changed("timeout") {
		timeoutStr, _ := cmd.Flags().GetString("timeout")
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid timeout format %q: %w", timeoutStr, err)
		}
		timeoutPtr = &timeout
	}

	var logDirPtr *string
	if cmd.Flags().Changed("log-dir") {
		v, _ := cmd.Flags().GetString("log-dir")
		logDirPtr = &v
	}

	var checkpointDBPtr *string
	if cmd.Flags().Changed("checkpoint-db") {
		v, _ := cmd.Flags().GetString("checkpoint-db")
		checkpointDBPtr = &v
	}

	var modelPtr *string
	if cmd.Flags().Changed("model") {
		v, _ := cmd.Flags().GetString("model")
		modelPtr = &v
	}

	cfg.MergeWithFlags(maxConcurrencyPtr, timeoutPtr, logDirPtr, checkpointDBPtr, modelPtr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	manifestPath := args[0]
	fmt.Fprintf(cmd.OutOrStdout(), "Loading manifest from %s...\n", manifestPath)
	tasks, err := config.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Manifest is valid but contains no tasks.\n")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nBatch Summary:\n")
	fmt.Fprintf(cmd.OutOrStdout(), "  Total tasks: %d\n", len(tasks))
	fmt.Fprintf(cmd.OutOrStdout(), "  Max concurrency: %d\n", cfg.MaxConcurrency)
	fmt.Fprintf(cmd.OutOrStdout(), "  CLI timeout: %s\n", cfg.CLI.Timeout)
	if configPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Config: %s\n", configPath)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDry-run mode: manifest is valid and ready for execution.\n\nTasks:\n")
		for _, task := range tasks {
			complexity := executor.AssessComplexity(task)
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s (%s, ~%d tokens) -> %s\n",
				task.ID, complexity, task.EstimatedTokens, task.OutputFile)
		}
		return nil
	}

	// One orchestrator instance per checkpoint directory. A second run
	// against the same database would interleave checkpoint writes.
	lockDir := filepath.Dir(cfg.CheckpointDB)
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	runLock := filelock.NewRunLock(lockDir)
	acquired, err := runLock.TryAcquire()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another testforge run holds the lock at %s", runLock.Path())
	}
	defer runLock.Release()

	logLevel := cfg.LogLevel
	if verbose {
		logLevel = "debug"
	}

	consoleLog := logger.NewConsoleLogger(os.Stdout, logLevel)

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(".testforge", "logs")
	}
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(logDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()

	multiLog := &multiLogger{loggers: []logger.Logger{consoleLog, fileLog}}

	store, err := checkpoint.NewStore(cfg.CheckpointDB)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	if retryFailed, _ := cmd.Flags().GetBool("retry-failed"); retryFailed {
		if err := reactivateFailed(cmd.Context(), store, tasks, multiLog); err != nil {
			multiLog.LogWarn(fmt.Sprintf("retry-failed: %v", err))
		}
	}

	poolMgr := pool.NewManager(pool.Config{
		Timeout:           cfg.CLI.Timeout,
		KillGrace:         cfg.Pool.KillGrace,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		Health: health.Config{
			CPUThresholdPercent: cfg.Health.CPUThresholdPercent,
			MemoryThresholdMB:   cfg.Health.MemoryThresholdMB,
			MinOutputRate:       cfg.Health.MinOutputRate,
			MaxSilenceDuration:  cfg.Health.MaxSilence,
			MaxErrorCount:       cfg.Health.MaxErrorCount,
			ExcessiveMultiplier: cfg.Health.ExcessiveMultiplier,
		},
	}, nil, nil, pool.NewProcSampler())

	circuit := breaker.New("ai-cli", breaker.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, func(name, from, to string) {
		multiLog.LogWarn(fmt.Sprintf("circuit %s: %s -> %s", name, from, to))
	})
	detector := breaker.NewDetector()

	waiter := ratelimit.NewWaiter(15*time.Minute, 30*time.Second, 2*time.Second, &waiterLog{log: multiLog})

	procExec := executor.NewProcessExecutor(executor.ProcessConfig{
		Binary:        cfg.CLI.Binary,
		Model:         cfg.CLI.Model,
		FallbackModel: cfg.CLI.FallbackModel,
		Timeout:       cfg.CLI.Timeout,
		KillGrace:     cfg.Pool.KillGrace,
	}, poolMgr, store, multiLog)

	service := executor.NewService(executor.ServiceConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Binary:       cfg.CLI.Binary,
	}, store, circuit, detector, procExec, waiter, multiLog)

	queue := executor.NewTaskQueueManager(multiLog, cfg.SpawnRatePerSec)
	aggregator := executor.NewResultAggregator(len(tasks))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	multiLog.LogBatchStart(len(tasks), cfg.MaxConcurrency)
	batchStarted := time.Now()

	done := make(chan struct{})
	go consumeEvents(multiLog, service.Events(), queue.Events(), poolMgr.Events(), len(tasks), batchStarted, done)

	fmt.Fprintf(cmd.OutOrStdout(), "\nStarting execution...\n\n")

	outcomes := queue.ProcessBatch(ctx, tasks, cfg.MaxConcurrency, func(ctx context.Context, task models.Task) models.TaskOutcome {
		return service.ExecuteTask(ctx, task)
	})

	close(done)

	taskByID := make(map[string]models.Task, len(tasks))
	for _, task := range tasks {
		taskByID[task.ID] = task
	}

	for _, outcome := range outcomes {
		aggregator.Record(outcome)
		multiLog.LogTaskOutcome(outcome)

		if outcome.Success && outcome.GeneratedText != "" {
			task, ok := taskByID[outcome.TaskID]
			if !ok || task.OutputFile == "" {
				continue
			}
			if err := writeGeneratedFile(task.OutputFile, outcome.GeneratedText); err != nil {
				multiLog.LogError(fmt.Sprintf("task %s: failed to write %s: %v", outcome.TaskID, task.OutputFile, err))
			}
		}
	}

	for _, pattern := range detector.Snapshot() {
		multiLog.LogDebug(fmt.Sprintf("failure pattern %s: %d occurrence(s), strategies that recovered: %v",
			pattern.Signature, pattern.OccurrenceCount, pattern.SuccessfulStrategies()))
	}

	stats := aggregator.Stats()
	multiLog.LogSummary(stats)

	reportPath := filepath.Join(logDir, "report.md")
	if err := filelock.AtomicWrite(reportPath, []byte(aggregator.ReportMarkdown(circuit.State()))); err != nil {
		multiLog.LogWarn(fmt.Sprintf("failed to write report: %v", err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nLogs written to: %s\n", logDir)

	if ctx.Err() != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Run interrupted; unfinished tasks will resume from their checkpoints.\n")
		return fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", stats.Failed)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Execution completed successfully!\n")
	return nil
}

// reactivateFailed flips failed checkpoints back to active for tasks in the
// current manifest, so the run resumes them from their partial output
// instead of starting over. Only the most recent checkpoint per task is
// touched, and only when it has partial output to resume from.
func reactivateFailed(ctx context.Context, store *checkpoint.Store, tasks []models.Task, log logger.Logger) error {
	failed, err := store.List(ctx, checkpoint.StatusFailed)
	if err != nil {
		return err
	}

	inBatch := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		inBatch[task.ID] = true
	}

	// List is ordered newest first; skip older checkpoints for a task once
	// one has been handled.
	seen := make(map[string]bool)
	for _, cp := range failed {
		if !inBatch[cp.TaskID] || seen[cp.TaskID] {
			continue
		}
		seen[cp.TaskID] = true
		if cp.PartialOutput == "" {
			continue
		}
		if err := store.Reactivate(ctx, cp.CheckpointID); err != nil {
			return err
		}
		log.LogInfo(fmt.Sprintf("task %s: reactivated failed checkpoint at %d%% (%s)", cp.TaskID, cp.ProgressPercent, cp.Phase))
	}
	return nil
}

// writeGeneratedFile writes generated test code atomically, creating the
// output directory if needed.
func writeGeneratedFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return filelock.AtomicWrite(path, []byte(content))
}

// consumeEvents drains the service, queue, and pool event streams into the
// logs until done closes. Terminal queue events drive the progress line.
func consumeEvents(log logger.Logger, svcEvents, queueEvents <-chan executor.Event, poolEvents <-chan pool.Event, total int, started time.Time, done <-chan struct{}) {
	completed := 0
	for {
		select {
		case ev := <-svcEvents:
			logServiceEvent(log, ev)
		case ev := <-queueEvents:
			switch ev.Type {
			case executor.EventTaskComplete, executor.EventTaskFailed:
				completed++
				avg := time.Duration(0)
				if completed > 0 {
					avg = time.Since(started) / time.Duration(completed)
				}
				log.LogProgress(completed, total, avg)
			}
		case ev := <-poolEvents:
			logPoolEvent(log, ev)
		case <-done:
			return
		}
	}
}

func logServiceEvent(log logger.Logger, ev executor.Event) {
	switch ev.Type {
	case executor.EventTaskStart:
		log.LogInfo(fmt.Sprintf("task %s: starting (%s)", ev.TaskID, ev.Complexity))
	case executor.EventTaskRetry:
		log.LogWarn(fmt.Sprintf("task %s: retrying, attempt %d in %s (strategy %s): %s",
			ev.TaskID, ev.Attempt, ev.Delay.Round(time.Millisecond), ev.Strategy, ev.Message))
	case executor.EventTaskProgress:
		log.LogDebug(fmt.Sprintf("task %s: %s %d%% %s", ev.TaskID, ev.Phase, ev.Progress, ev.Message))
	}
}

func logPoolEvent(log logger.Logger, ev pool.Event) {
	switch ev.Type {
	case pool.EventProcessStarted:
		log.LogDebug(fmt.Sprintf("task %s: subprocess registered", ev.TaskID))
	case pool.EventWarning, pool.EventResourceWarning:
		for _, msg := range ev.Messages {
			log.LogWarn(fmt.Sprintf("task %s: %s", ev.TaskID, msg))
		}
	case pool.EventTerminated:
		log.LogWarn(fmt.Sprintf("task %s: subprocess terminated: %s", ev.TaskID, ev.Reason))
	}
}

// waiterLog adapts the run loggers to the rate-limit waiter's countdown hook.
type waiterLog struct {
	log logger.Logger
}

func (w *waiterLog) LogRateLimitCountdown(remaining, total time.Duration) {
	w.log.LogInfo(fmt.Sprintf("rate limited: resuming in %s (of %s)",
		remaining.Round(time.Second), total.Round(time.Second)))
}

// multiLogger fans every log call out to multiple loggers
type multiLogger struct {
	loggers []logger.Logger
}

func (ml *multiLogger) LogTrace(message string) {
	for _, l := range ml.loggers {
		l.LogTrace(message)
	}
}

func (ml *multiLogger) LogDebug(message string) {
	for _, l := range ml.loggers {
		l.LogDebug(message)
	}
}

func (ml *multiLogger) LogInfo(message string) {
	for _, l := range ml.loggers {
		l.LogInfo(message)
	}
}

func (ml *multiLogger) LogWarn(message string) {
	for _, l := range ml.loggers {
		l.LogWarn(message)
	}
}

func (ml *multiLogger) LogError(message string) {
	for _, l := range ml.loggers {
		l.LogError(message)
	}
}

func (ml *multiLogger) LogBatchStart(totalTasks, concurrency int) {
	for _, l := range ml.loggers {
		l.LogBatchStart(totalTasks, concurrency)
	}
}

func (ml *multiLogger) LogTaskOutcome(outcome models.TaskOutcome) {
	for _, l := range ml.loggers {
		l.LogTaskOutcome(outcome)
	}
}

func (ml *multiLogger) LogProgress(completed, total int, avgPerTask time.Duration) {
	for _, l := range ml.loggers {
		l.LogProgress(completed, total, avgPerTask)
	}
}

func (ml *multiLogger) LogSummary(stats models.RunStats) {
	for _, l := range ml.loggers {
		l.LogSummary(stats)
	}
}
