package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"github.com/harrison/testforge/internal/breaker"
	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/logger"
	"github.com/harrison/testforge/internal/models"
	"github.com/harrison/testforge/internal/ratelimit"
)

// attemptRunner is what the service needs from a ProcessExecutor.
type attemptRunner interface {
	Execute(ctx context.Context, task models.Task, prompt, checkpointID string) (*models.CLIResponse, error)
}

// checkpointStore is the slice of the checkpoint API the service drives.
// *checkpoint.Store satisfies it; tests substitute fakes or a nil store.
type checkpointStore interface {
	CanResume(ctx context.Context, task models.Task) (*checkpoint.ResumeDecision, error)
	Create(ctx context.Context, task models.Task) (string, error)
	Update(ctx context.Context, checkpointID, phase string, progress int, partialChunk string, bytesEmitted int64, elapsed time.Duration) error
	Complete(ctx context.Context, checkpointID string, tokensUsed int, actualCost float64) error
	Fail(ctx context.Context, checkpointID, message string) error
	ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*checkpoint.ResumeContext, error)
}

// ServiceConfig tunes the retry/resume state machine.
type ServiceConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Binary is probed once per run for graceful degradation.
	Binary string
}

// Service drives one task from checkpoint lookup through the retry loop to a
// terminal TaskOutcome. It never panics across the queue boundary; every
// path ends in a typed outcome.
type Service struct {
	cfg      ServiceConfig
	store    checkpointStore
	circuit  *breaker.Breaker
	detector *breaker.Detector
	runner   attemptRunner
	waiter   *ratelimit.Waiter
	log      logger.Logger

	events chan Event
	rng    *rand.Rand
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	// degraded starts from a one-time binary probe and can also flip
	// mid-run after a confirmed authentication failure. One-way.
	degradedOnce  sync.Once
	degradedMu    sync.Mutex
	degraded      bool
	degradedCause string
	probe         func(binary string) error
}

// NewService constructs the execution service. store and waiter may be nil
// (no checkpointing / no rate-limit waiting); log may be nil.
func NewService(cfg ServiceConfig, store checkpointStore, circuit *breaker.Breaker, detector *breaker.Detector, runner attemptRunner, waiter *ratelimit.Waiter, log logger.Logger) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		circuit:  circuit,
		detector: detector,
		runner:   runner,
		waiter:   waiter,
		log:      log,
		events:   make(chan Event, 64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:    time.Now,
		sleep:    sleepCtx,
		probe: func(binary string) error {
			_, err := exec.LookPath(binary)
			return err
		},
	}
}

// Events returns the service's lifecycle event stream (start, retry,
// progress). Terminal events are emitted by the queue from outcomes.
func (s *Service) Events() <-chan Event {
	return s.events
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isDegraded probes the CLI binary once per run; a mid-run authentication
// failure can also flip it via markDegraded. When degraded the run falls
// back to placeholder output instead of failing every task the same way.
func (s *Service) isDegraded() bool {
	s.degradedOnce.Do(func() {
		if s.cfg.Binary == "" {
			return
		}
		if err := s.probe(s.cfg.Binary); err != nil {
			s.markDegraded(fmt.Sprintf("AI CLI %q unavailable: %v", s.cfg.Binary, err))
		}
	})
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	return s.degraded
}

// markDegraded flips the run into degraded mode. The transition happens at
// most once; the task that triggered it still reports its own failure.
func (s *Service) markDegraded(cause string) {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	if s.degraded {
		return
	}
	s.degraded = true
	s.degradedCause = cause
	s.log.LogWarn(fmt.Sprintf("running degraded: %s", cause))
}

func (s *Service) degradedReason() string {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	return s.degradedCause
}

// ExecuteTask runs the full state machine for one task:
// preparing -> (resume | fresh) -> executing -> {succeeded | retrying | exhausted}.
func (s *Service) ExecuteTask(ctx context.Context, task models.Task) models.TaskOutcome {
	started := s.clock()
	complexity := AssessComplexity(task)

	if s.isDegraded() {
		return s.degradedOutcome(task, complexity, started)
	}

	prompt, checkpointID, resumed := s.prepareCheckpoint(ctx, task)

	s.emit(Event{Type: EventTaskStart, TaskID: task.ID, Attempt: 1, Complexity: complexity, Time: s.clock()})
	if resumed {
		s.emit(Event{
			Type: EventTaskProgress, TaskID: task.ID,
			Phase: checkpoint.PhaseGenerating, Message: "resuming from checkpoint",
			Time: s.clock(),
		})
	}

	backoffCfg := BackoffConfig{InitialDelay: s.cfg.InitialDelay, MaxDelay: s.cfg.MaxDelay}

	var lastSignature, lastStrategy string
	attempt := 1
	for {
		resp, err := s.runAttempt(ctx, task, prompt, checkpointID)
		if err == nil {
			if lastSignature != "" && s.detector != nil {
				s.detector.RecordOutcome(lastSignature, lastStrategy, true)
			}
			s.completeCheckpoint(ctx, task, checkpointID, resp)
			return models.TaskOutcome{
				TaskID:        task.ID,
				Success:       true,
				GeneratedText: resp.Result,
				TokensUsed:    resp.TokensUsed,
				ActualCost:    resp.CostUSD,
				Duration:      s.clock().Sub(started),
				Attempts:      attempt,
				Complexity:    complexity,
				Resumed:       resumed,
			}
		}

		// The breaker rejecting without a call is a systemic condition, not
		// a per-task transient: burn no more attempts on it.
		if breaker.IsOpen(err) {
			return s.failOutcome(ctx, task, checkpointID, err, attempt, complexity, resumed, started)
		}

		strategy := breaker.StrategyStandard
		if s.detector != nil {
			lastSignature = s.detector.Observe(err)
			strategy = s.detector.Recommend(err)
			lastStrategy = strategy.Name
		}

		maxAttempts := s.cfg.MaxAttempts
		if strategy.MaxAttempts > 0 && strategy.MaxAttempts < maxAttempts {
			maxAttempts = strategy.MaxAttempts
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			return s.failOutcome(ctx, task, checkpointID, err, attempt, complexity, resumed, started)
		}

		delay := CalculateBackoff(attempt, backoffCfg, complexity, strategy, s.rng)
		attempt++

		s.markRetrying(ctx, task, checkpointID)
		s.emit(Event{
			Type:       EventTaskRetry,
			TaskID:     task.ID,
			Attempt:    attempt,
			Delay:      delay,
			Complexity: complexity,
			Strategy:   strategy.Name,
			Message:    err.Error(),
			Time:       s.clock(),
		})
		s.log.LogInfo(fmt.Sprintf("task %s: retrying (attempt %d/%d) in %s after %v", task.ID, attempt, maxAttempts, delay.Round(time.Millisecond), err))

		if waitErr := s.waitBeforeRetry(ctx, err, delay); waitErr != nil {
			return s.failOutcome(ctx, task, checkpointID, NewTaskError(task.ID, "retry cancelled", waitErr), attempt, complexity, resumed, started)
		}
	}
}

// runAttempt routes one attempt through the circuit breaker when present.
func (s *Service) runAttempt(ctx context.Context, task models.Task, prompt, checkpointID string) (*models.CLIResponse, error) {
	fn := func() (*models.CLIResponse, error) {
		return s.runner.Execute(ctx, task, prompt, checkpointID)
	}
	if s.circuit != nil {
		return s.circuit.Execute(fn)
	}
	return fn()
}

// waitBeforeRetry sleeps out the backoff. Rate-limit errors with a known
// reset time wait for the reset instead when that is the shorter sensible
// choice.
func (s *Service) waitBeforeRetry(ctx context.Context, attemptErr error, delay time.Duration) error {
	if s.waiter != nil {
		if rle, ok := rateLimitFrom(attemptErr); ok && !rle.ResetAt.IsZero() {
			info := &ratelimit.Info{DetectedAt: s.clock(), ResetAt: rle.ResetAt, RawMessage: rle.Message}
			if s.waiter.ShouldWait(info) {
				return s.waiter.WaitForReset(ctx, info)
			}
		}
	}
	return s.sleep(ctx, delay)
}

func rateLimitFrom(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// prepareCheckpoint resolves the prompt and checkpoint id for the run.
// Checkpoint store failures are recovered locally: the task runs fresh and
// unpersisted rather than failing.
func (s *Service) prepareCheckpoint(ctx context.Context, task models.Task) (prompt, checkpointID string, resumed bool) {
	prompt = task.Prompt
	if s.store == nil {
		return prompt, "", false
	}

	decision, err := s.store.CanResume(ctx, task)
	if err != nil {
		s.log.LogWarn(NewCheckpointError(task.ID, "lookup", err).Error())
		decision = &checkpoint.ResumeDecision{}
	}

	if decision.CanResume {
		rc, err := s.store.ResumeFromCheckpoint(ctx, decision.CheckpointID)
		if err == nil {
			return rc.ResumePrompt, decision.CheckpointID, true
		}
		s.log.LogWarn(NewCheckpointError(task.ID, "resume", err).Error())
	}

	id, err := s.store.Create(ctx, task)
	if err != nil {
		s.log.LogWarn(NewCheckpointError(task.ID, "create", err).Error())
		return prompt, "", false
	}
	return prompt, id, false
}

// markRetrying rewinds the checkpoint phase for the next attempt. Progress
// is monotone in the store, so passing zero leaves it untouched.
func (s *Service) markRetrying(ctx context.Context, task models.Task, checkpointID string) {
	if s.store == nil || checkpointID == "" {
		return
	}
	if err := s.store.Update(ctx, checkpointID, checkpoint.PhasePreparing, 0, "", 0, 0); err != nil {
		s.log.LogDebug(NewCheckpointError(task.ID, "update", err).Error())
	}
}

func (s *Service) completeCheckpoint(ctx context.Context, task models.Task, checkpointID string, resp *models.CLIResponse) {
	if s.store == nil || checkpointID == "" {
		return
	}
	if err := s.store.Complete(ctx, checkpointID, resp.TokensUsed, resp.CostUSD); err != nil {
		s.log.LogWarn(NewCheckpointError(task.ID, "complete", err).Error())
	}
}

func (s *Service) failOutcome(ctx context.Context, task models.Task, checkpointID string, cause error, attempts int, complexity models.Complexity, resumed bool, started time.Time) models.TaskOutcome {
	// An authentication failure is run-level, not task-level: every later
	// task would hit the same wall, so the run degrades after the first.
	if IsAuthenticationError(cause) {
		s.markDegraded(fmt.Sprintf("AI CLI authentication failed: %v", cause))
	}
	if s.store != nil && checkpointID != "" {
		if err := s.store.Fail(ctx, checkpointID, cause.Error()); err != nil {
			s.log.LogWarn(NewCheckpointError(task.ID, "fail", err).Error())
		}
	}
	return models.TaskOutcome{
		TaskID:     task.ID,
		Success:    false,
		Duration:   s.clock().Sub(started),
		Attempts:   attempts,
		Complexity: complexity,
		Resumed:    resumed,
		Err:        cause,
	}
}

// degradedOutcome synthesizes a placeholder result so downstream tooling
// still receives a well-formed test file when the CLI is unavailable.
func (s *Service) degradedOutcome(task models.Task, complexity models.Complexity, started time.Time) models.TaskOutcome {
	placeholder := fmt.Sprintf(
		"// Placeholder test file for %s.\n"+
			"// Generated without AI assistance: %s.\n"+
			"// TODO: rerun the generator once the CLI is available.\n",
		task.SourceFile, s.degradedReason())

	s.emit(Event{
		Type: EventTaskProgress, TaskID: task.ID,
		Phase: checkpoint.PhaseFinalizing, Progress: 100,
		Message: "degraded mode placeholder", Time: s.clock(),
	})

	return models.TaskOutcome{
		TaskID:        task.ID,
		Success:       true,
		GeneratedText: placeholder,
		Duration:      s.clock().Sub(started),
		Attempts:      1,
		Complexity:    complexity,
		Degraded:      true,
	}
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
