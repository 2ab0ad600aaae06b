package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harrison/testforge/internal/logger"
	"github.com/harrison/testforge/internal/models"
)

// TaskProcessor executes one task to a terminal outcome. It must not panic;
// the queue still contains a recover guard so a buggy processor fails its
// own task instead of aborting siblings.
type TaskProcessor func(ctx context.Context, task models.Task) models.TaskOutcome

// TaskQueueManager admits up to maxConcurrency tasks at once. Concurrency is
// bounded by the number of worker loops started, so no semaphore is needed:
// each loop pops the next task, awaits the processor, then pops again.
type TaskQueueManager struct {
	log     logger.Logger
	events  chan Event
	limiter *rate.Limiter // optional spawn pacing; nil means unpaced

	mu          sync.Mutex
	perfByClass map[models.Complexity][]time.Duration
}

// NewTaskQueueManager constructs a queue manager. spawnRatePerSec throttles
// how fast worker loops may start new tasks; 0 disables pacing. log may be
// nil.
func NewTaskQueueManager(log logger.Logger, spawnRatePerSec float64) *TaskQueueManager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	var limiter *rate.Limiter
	if spawnRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(spawnRatePerSec), 1)
	}
	return &TaskQueueManager{
		log:         log,
		events:      make(chan Event, 64),
		limiter:     limiter,
		perfByClass: make(map[models.Complexity][]time.Duration),
	}
}

// Events returns the queue's task lifecycle event stream. The channel is
// buffered; events are dropped rather than blocking workers when the
// consumer falls behind.
func (q *TaskQueueManager) Events() <-chan Event {
	return q.events
}

// ProcessBatch runs every task through processor with at most maxConcurrency
// in flight, returning one outcome per task (order unspecified). A processor
// failure or panic is contained to its task: it is reported as a task:failed
// event and the worker moves on.
func (q *TaskQueueManager) ProcessBatch(ctx context.Context, tasks []models.Task, maxConcurrency int, processor TaskProcessor) []models.TaskOutcome {
	if len(tasks) == 0 {
		return nil
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	workers := maxConcurrency
	if len(tasks) < workers {
		workers = len(tasks)
	}

	queue := make(chan models.Task, len(tasks))
	for _, task := range tasks {
		queue <- task
	}
	close(queue)

	results := make(chan models.TaskOutcome, len(tasks))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for task := range queue {
				if ctx.Err() != nil {
					results <- models.TaskOutcome{
						TaskID:  task.ID,
						Success: false,
						Err:     NewTaskError(task.ID, "batch cancelled", ctx.Err()),
					}
					continue
				}
				if q.limiter != nil {
					if err := q.limiter.Wait(ctx); err != nil {
						results <- models.TaskOutcome{
							TaskID:  task.ID,
							Success: false,
							Err:     NewTaskError(task.ID, "batch cancelled", err),
						}
						continue
					}
				}
				results <- q.runOne(ctx, task, processor)
			}
		}()
	}
	wg.Wait()
	close(results)

	outcomes := make([]models.TaskOutcome, 0, len(tasks))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// runOne executes the processor with a panic guard so one task's bug never
// aborts its siblings.
func (q *TaskQueueManager) runOne(ctx context.Context, task models.Task, processor TaskProcessor) (outcome models.TaskOutcome) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := NewTaskError(task.ID, fmt.Sprintf("processor panic: %v", r), nil)
			q.log.LogError(err.Error())
			q.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Err: err, Time: time.Now()})
			outcome = models.TaskOutcome{
				TaskID:     task.ID,
				Success:    false,
				Duration:   time.Since(started),
				Complexity: AssessComplexity(task),
				Err:        err,
			}
		}
	}()

	outcome = processor(ctx, task)
	if outcome.TaskID == "" {
		outcome.TaskID = task.ID
	}
	if outcome.Complexity == "" {
		outcome.Complexity = AssessComplexity(task)
	}

	if outcome.Success {
		// Failed and exhausted attempts would skew the calibration data;
		// only terminal successes count.
		q.recordPerformance(outcome.Complexity, outcome.Duration)
		q.emit(Event{Type: EventTaskComplete, TaskID: task.ID, Attempt: outcome.Attempts, Time: time.Now()})
	} else {
		q.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Attempt: outcome.Attempts, Err: outcome.Err, Time: time.Now()})
	}
	return outcome
}

func (q *TaskQueueManager) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

// recordPerformance keeps per-complexity durations for future
// complexity-to-timeout calibration.
func (q *TaskQueueManager) recordPerformance(class models.Complexity, d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perfByClass[class] = append(q.perfByClass[class], d)
}

// PerformanceByComplexity returns average observed duration per complexity
// class, for the report.
func (q *TaskQueueManager) PerformanceByComplexity() map[models.Complexity]time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[models.Complexity]time.Duration, len(q.perfByClass))
	for class, durations := range q.perfByClass {
		if len(durations) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		out[class] = total / time.Duration(len(durations))
	}
	return out
}

// Filename hints checked in order; first match wins. Token thresholds take
// over when no hint matches.
var complexityHints = []struct {
	class models.Complexity
	hints []string
}{
	{models.ComplexityLow, []string{"test", "spec", "util", "helper"}},
	{models.ComplexityMedium, []string{"component", "service", "model"}},
	{models.ComplexityHigh, []string{"controller", "api", "handler", "orchestrat"}},
}

// AssessComplexity classifies a task from its token estimate and filename
// hints. Pure heuristic: it parameterizes retry timing only and never gates
// execution.
func AssessComplexity(task models.Task) models.Complexity {
	name := strings.ToLower(task.SourceFile)
	for _, entry := range complexityHints {
		for _, hint := range entry.hints {
			if strings.Contains(name, hint) {
				return entry.class
			}
		}
	}

	switch {
	case task.EstimatedTokens <= 1500:
		return models.ComplexityLow
	case task.EstimatedTokens <= 4000:
		return models.ComplexityMedium
	default:
		return models.ComplexityHigh
	}
}
