package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/testforge/internal/breaker"
	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/models"
)

// fakeRunner scripts the outcome of each attempt in order, repeating the
// last entry when attempts exceed the script.
type fakeRunner struct {
	mu       sync.Mutex
	script   []error
	response *models.CLIResponse
	calls    int
	prompts  []string
}

func (f *fakeRunner) Execute(ctx context.Context, task models.Task, prompt, checkpointID string) (*models.CLIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.prompts = append(f.prompts, prompt)

	idx := f.calls - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	if len(f.script) > 0 && f.script[idx] != nil {
		return nil, f.script[idx]
	}
	if f.response != nil {
		return f.response, nil
	}
	return &models.CLIResponse{Kind: models.ResponseRaw, Result: "ok"}, nil
}

// fakeStore records checkpoint calls in memory.
type fakeStore struct {
	mu        sync.Mutex
	resume    *checkpoint.ResumeDecision
	resumeCtx *checkpoint.ResumeContext
	created   []string
	updates   int
	completed []string
	failed    map[string]string
	createErr error
	lookupErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failed: make(map[string]string)}
}

func (f *fakeStore) CanResume(ctx context.Context, task models.Task) (*checkpoint.ResumeDecision, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.resume != nil {
		return f.resume, nil
	}
	return &checkpoint.ResumeDecision{}, nil
}

func (f *fakeStore) Create(ctx context.Context, task models.Task) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("cp-%d", len(f.created)+1)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeStore) Update(ctx context.Context, checkpointID, phase string, progress int, partialChunk string, bytesEmitted int64, elapsed time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, checkpointID string, tokensUsed int, actualCost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, checkpointID)
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, checkpointID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[checkpointID] = message
	return nil
}

func (f *fakeStore) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*checkpoint.ResumeContext, error) {
	if f.resumeCtx != nil {
		return f.resumeCtx, nil
	}
	return nil, errors.New("no resume context")
}

func newTestService(runner attemptRunner, store checkpointStore) *Service {
	s := NewService(ServiceConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, store, nil, breaker.NewDetector(), runner, nil, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func testTask() models.Task {
	return models.Task{
		ID:              "gen-parser",
		Prompt:          "Generate tests for the parser",
		SourceFile:      "src/parser.py",
		OutputFile:      "src/parser_test.py",
		EstimatedTokens: 2000,
	}
}

func TestExecuteTaskSucceedsFirstAttempt(t *testing.T) {
	runner := &fakeRunner{response: &models.CLIResponse{Kind: models.ResponseStructured, Result: "tests", TokensUsed: 900, CostUSD: 0.02}}
	store := newFakeStore()
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 900, outcome.TokensUsed)
	assert.Equal(t, "tests", outcome.GeneratedText)
	assert.False(t, outcome.Resumed)

	require.Len(t, store.created, 1)
	assert.Equal(t, store.created, store.completed)
}

func TestExecuteTaskAuthNeverRetried(t *testing.T) {
	runner := &fakeRunner{script: []error{NewAuthenticationError("gen-parser", "invalid api key")}}
	store := newFakeStore()
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, runner.calls)
	assert.True(t, IsAuthenticationError(outcome.Err))
	assert.Contains(t, store.failed["cp-1"], "authentication failed")
}

func TestExecuteTaskRetriesTimeoutsThenSucceeds(t *testing.T) {
	runner := &fakeRunner{
		script: []error{
			NewTimeoutError("gen-parser", time.Minute),
			NewTimeoutError("gen-parser", time.Minute),
			nil,
		},
	}
	store := newFakeStore()
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, runner.calls)
	assert.Len(t, store.completed, 1)
	assert.Empty(t, store.failed)

	// the final retry event announced attempt 3
	var lastRetry Event
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == EventTaskRetry {
				lastRetry = ev
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 3, lastRetry.Attempt)
	assert.Equal(t, models.ComplexityMedium, lastRetry.Complexity)
	assert.NotEmpty(t, lastRetry.Strategy)
}

func TestExecuteTaskExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{script: []error{NewNetworkError("gen-parser", "connection refused", nil)}}
	store := newFakeStore()
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, runner.calls)
	assert.True(t, IsNetworkError(outcome.Err))
	assert.Contains(t, store.failed["cp-1"], "network error")
}

func TestExecuteTaskResumesFromCheckpoint(t *testing.T) {
	partial := "def test_parse_empty():\n    assert parse('') == []"
	runner := &fakeRunner{}
	store := newFakeStore()
	store.resume = &checkpoint.ResumeDecision{CanResume: true, CheckpointID: "cp-old", LastProgress: 40}
	store.resumeCtx = &checkpoint.ResumeContext{
		ResumePrompt:             "Continue generating. --- PARTIAL OUTPUT ---\n" + partial,
		PartialOutput:            partial,
		LastProgress:             40,
		EstimatedRemainingTokens: 1200,
	}
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.True(t, outcome.Success)
	assert.True(t, outcome.Resumed)
	require.Len(t, runner.prompts, 1)
	assert.Contains(t, runner.prompts[0], partial)
	assert.NotEqual(t, testTask().Prompt, runner.prompts[0])
	assert.Empty(t, store.created, "resume must not create a fresh checkpoint")
	assert.Equal(t, []string{"cp-old"}, store.completed)
}

func TestExecuteTaskCheckpointErrorsFallBackToFreshRun(t *testing.T) {
	runner := &fakeRunner{}
	store := newFakeStore()
	store.lookupErr = errors.New("database is locked")
	store.createErr = errors.New("database is locked")
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	// the task still runs and succeeds, unpersisted
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, store.completed)
}

func TestExecuteTaskBreakerOpenIsTerminal(t *testing.T) {
	circuit := breaker.New("test-cli", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	// trip the breaker
	_, err := circuit.Execute(func() (*models.CLIResponse, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	runner := &fakeRunner{}
	store := newFakeStore()
	s := NewService(ServiceConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, store, circuit, breaker.NewDetector(), runner, nil, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.False(t, outcome.Success)
	assert.Equal(t, 0, runner.calls, "open circuit must reject without invoking the CLI")
	assert.ErrorContains(t, outcome.Err, "circuit open")
}

func TestExecuteTaskDegradedMode(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestService(runner, newFakeStore())
	s.cfg.Binary = "definitely-not-a-real-binary"
	s.probe = func(binary string) error { return errors.New("executable file not found in $PATH") }

	task := testTask()
	outcome := s.ExecuteTask(context.Background(), task)

	assert.True(t, outcome.Success)
	assert.True(t, outcome.Degraded)
	assert.Zero(t, outcome.TokensUsed)
	assert.Zero(t, outcome.ActualCost)
	assert.Contains(t, outcome.GeneratedText, task.SourceFile)
	assert.Zero(t, runner.calls, "degraded mode must skip execution entirely")

	// the probe runs once per run, not once per task
	second := s.ExecuteTask(context.Background(), testTask())
	assert.True(t, second.Degraded)
}

func TestExecuteTaskAuthFailureDegradesRun(t *testing.T) {
	runner := &fakeRunner{script: []error{NewAuthenticationError("gen-parser", "invalid api key")}}
	store := newFakeStore()
	s := newTestService(runner, store)

	// The triggering task still reports its own failure.
	first := s.ExecuteTask(context.Background(), testTask())
	assert.False(t, first.Success)
	assert.False(t, first.Degraded)
	assert.Equal(t, 1, first.Attempts)
	assert.Contains(t, store.failed["cp-1"], "authentication failed")

	// Later tasks get placeholders instead of burning attempts against a
	// CLI that cannot authenticate.
	second := s.ExecuteTask(context.Background(), testTask())
	assert.True(t, second.Success)
	assert.True(t, second.Degraded)
	assert.Contains(t, second.GeneratedText, "authentication failed")
	assert.Equal(t, 1, runner.calls)
}

func TestExecuteTaskStartEventCarriesComplexity(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestService(runner, newFakeStore())

	outcome := s.ExecuteTask(context.Background(), testTask())
	require.True(t, outcome.Success)

	var start Event
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == EventTaskStart {
				start = ev
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, "gen-parser", start.TaskID)
	assert.Equal(t, models.ComplexityMedium, start.Complexity)
}

func TestExecuteTaskPoolTerminationFailsCheckpoint(t *testing.T) {
	runner := &fakeRunner{script: []error{
		NewTaskError("gen-parser", "terminated by pool: process appears stuck: no output for 2m0s", nil),
	}}
	store := newFakeStore()
	s := newTestService(runner, store)

	outcome := s.ExecuteTask(context.Background(), testTask())

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts, "pool kills are not retried")
	assert.Contains(t, store.failed["cp-1"], "stuck")
}

func TestExecuteTaskDetectorLearnsFromSuccess(t *testing.T) {
	detector := breaker.NewDetector()
	runner := &fakeRunner{script: []error{NewRateLimitError("gen-parser", "429", time.Time{}), nil}}
	s := NewService(ServiceConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, newFakeStore(), nil, detector, runner, nil, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	outcome := s.ExecuteTask(context.Background(), testTask())
	require.True(t, outcome.Success)

	patterns := detector.Snapshot()
	require.Len(t, patterns, 1)
	assert.Equal(t, "rate_limit", patterns[0].Signature)
	assert.NotEmpty(t, patterns[0].SuccessfulStrategies())
}
