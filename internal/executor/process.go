package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/logger"
	"github.com/harrison/testforge/internal/models"
	"github.com/harrison/testforge/internal/pool"
)

// Stdout progress is estimated from emitted bytes against the task's token
// estimate (roughly four bytes per token) and capped below 100 until exit,
// reserving the final slice for result parsing.
const (
	bytesPerTokenEstimate = 4
	maxStreamProgress     = 90
)

// progressSink receives partial-output updates while the subprocess runs.
// *checkpoint.Store satisfies it.
type progressSink interface {
	Update(ctx context.Context, checkpointID, phase string, progress int, partialChunk string, bytesEmitted int64, elapsed time.Duration) error
}

// ProcessConfig describes how the executor invokes the AI CLI.
type ProcessConfig struct {
	Binary        string
	Model         string
	FallbackModel string
	Timeout       time.Duration
	KillGrace     time.Duration
}

// ProcessExecutor spawns exactly one AI CLI subprocess per attempt, streaming
// stdout into the checkpoint partial result and the pool activity tracker,
// and mapping the exit into a CLIResponse or a typed error.
type ProcessExecutor struct {
	cfg   ProcessConfig
	pool  *pool.Manager
	sink  progressSink
	log   logger.Logger
	clock func() time.Time
}

// NewProcessExecutor constructs an executor. sink may be nil when no
// checkpointing is wanted (degraded tooling, tests); log may be nil.
func NewProcessExecutor(cfg ProcessConfig, poolMgr *pool.Manager, sink progressSink, log logger.Logger) *ProcessExecutor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &ProcessExecutor{
		cfg:   cfg,
		pool:  poolMgr,
		sink:  sink,
		log:   log,
		clock: time.Now,
	}
}

// buildArgs assembles the CLI invocation: <binary> <prompt> --model <name>
// [--fallback-model <name>].
func (pe *ProcessExecutor) buildArgs(prompt string) []string {
	args := []string{prompt, "--model", pe.cfg.Model}
	if pe.cfg.FallbackModel != "" {
		args = append(args, "--fallback-model", pe.cfg.FallbackModel)
	}
	return args
}

// Execute runs one attempt for the task. prompt is either the task's own
// prompt or a resume prompt; checkpointID may be empty to skip progress
// persistence. The returned error is always one of the typed executor errors
// (or a context error when the caller cancelled).
func (pe *ProcessExecutor) Execute(ctx context.Context, task models.Task, prompt, checkpointID string) (*models.CLIResponse, error) {
	started := pe.clock()

	cmd := exec.Command(pe.cfg.Binary, pe.buildArgs(prompt)...)
	// Own process group so termination reaches children the CLI forks.
	// A SIGTERM to the direct child alone leaves orphans holding the
	// stdout/stderr pipes, which keeps the readers blocked forever.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewTaskError(task.ID, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewTaskError(task.ID, "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewTaskError(task.ID, fmt.Sprintf("spawn %s", pe.cfg.Binary), err)
	}

	if pe.pool != nil {
		if err := pe.pool.Register(task.ID, cmd); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, NewTaskError(task.ID, "register with pool", err)
		}
		defer pe.pool.Unregister(task.ID)
	}

	classifier := newStderrClassifier(task.ID)

	var (
		mu        sync.Mutex
		stdoutBuf strings.Builder
		fatalSeen bool
	)

	kill := func() {
		proc := cmd.Process
		if proc == nil {
			return
		}
		signalGroup(proc, syscall.SIGTERM)
		select {
		case <-time.After(pe.cfg.KillGrace):
			signalGroup(proc, syscall.SIGKILL)
		case <-ctx.Done():
			signalGroup(proc, syscall.SIGKILL)
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			chunk := scanner.Text() + "\n"

			mu.Lock()
			stdoutBuf.WriteString(chunk)
			emitted := int64(stdoutBuf.Len())
			mu.Unlock()

			if pe.pool != nil {
				pe.pool.UpdateActivity(task.ID, chunk, false)
			}
			if pe.sink != nil && checkpointID != "" {
				progress := streamProgress(emitted, task.EstimatedTokens)
				elapsed := pe.clock().Sub(started)
				if err := pe.sink.Update(ctx, checkpointID, checkpoint.PhaseGenerating, progress, chunk, emitted, elapsed); err != nil {
					pe.log.LogDebug(fmt.Sprintf("task %s: checkpoint update dropped: %v", task.ID, err))
				}
			}
		}
	}()

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			chunk := scanner.Text()

			if pe.pool != nil {
				pe.pool.UpdateActivity(task.ID, chunk, true)
			}

			if fatal := classifier.Feed(chunk); fatal != nil {
				mu.Lock()
				alreadyKilling := fatalSeen
				fatalSeen = true
				mu.Unlock()
				if !alreadyKilling {
					pe.log.LogWarn(fmt.Sprintf("task %s: fatal CLI error, terminating: %v", task.ID, fatal))
					go kill()
				}
			}
		}
	}()

	// Wait for the process with an attempt-scoped timeout. The readers must
	// drain before Wait closes the pipes.
	exited := make(chan error, 1)
	go func() {
		readers.Wait()
		exited <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if pe.cfg.Timeout > 0 {
		timer := time.NewTimer(pe.cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	var timedOut, cancelled bool
	select {
	case waitErr = <-exited:
	case <-timeoutCh:
		timedOut = true
		kill()
		waitErr = <-exited
	case <-ctx.Done():
		cancelled = true
		kill()
		waitErr = <-exited
	}

	// Parser-detected fatal errors take precedence over everything else,
	// including a zero exit from a process that died gracefully after the
	// fatal line.
	if fatal := classifier.Fatal(); fatal != nil {
		return nil, fatal
	}

	// A pool kill shows up here as a signal exit; surface the pool's reason
	// instead of a generic signal message. Checked before the timeout
	// mapping so a stuck task killed by the pool keeps the pool's verdict
	// even when the attempt timer expired while the process was dying.
	if pe.pool != nil {
		if reason, killed := pe.pool.TerminationReason(task.ID); killed {
			return nil, NewTaskError(task.ID, fmt.Sprintf("terminated by pool: %s", reason), nil)
		}
	}

	switch {
	case timedOut:
		return nil, NewTimeoutError(task.ID, pe.cfg.Timeout)
	case cancelled:
		return nil, ctx.Err()
	}

	if waitErr != nil {
		exitCode := -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, classifier.classifyExit(exitCode)
	}

	mu.Lock()
	output := stdoutBuf.String()
	mu.Unlock()
	return models.ParseCLIOutput(output), nil
}

// signalGroup delivers sig to the subprocess's whole process group, falling
// back to the direct child when the group is already gone.
func signalGroup(proc *os.Process, sig syscall.Signal) {
	if err := syscall.Kill(-proc.Pid, sig); err != nil {
		_ = proc.Signal(sig)
	}
}

// streamProgress estimates completion percent from bytes emitted so far.
func streamProgress(bytesEmitted int64, estimatedTokens int) int {
	if estimatedTokens <= 0 {
		return 0
	}
	approxTokens := bytesEmitted / bytesPerTokenEstimate
	progress := int(approxTokens * 100 / int64(estimatedTokens))
	if progress > maxStreamProgress {
		progress = maxStreamProgress
	}
	return progress
}
