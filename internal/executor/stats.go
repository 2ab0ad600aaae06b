package executor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/testforge/internal/models"
)

// ResultAggregator accumulates task outcomes into run statistics and renders
// the execution report.
type ResultAggregator struct {
	mu        sync.Mutex
	stats     models.RunStats
	durations map[models.Complexity][]time.Duration
	startedAt time.Time
	clock     func() time.Time
}

// NewResultAggregator creates an aggregator for a batch of totalTasks.
func NewResultAggregator(totalTasks int) *ResultAggregator {
	clock := time.Now
	return &ResultAggregator{
		stats:     models.RunStats{TotalTasks: totalTasks},
		durations: make(map[models.Complexity][]time.Duration),
		startedAt: clock(),
		clock:     clock,
	}
}

// Record folds one terminal outcome into the running statistics. Each task
// is expected to be recorded exactly once.
func (a *ResultAggregator) Record(outcome models.TaskOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if outcome.Success {
		a.stats.Completed++
		a.stats.TotalTokens += outcome.TokensUsed
		a.stats.TotalCost += outcome.ActualCost
	} else {
		a.stats.Failed++
		a.stats.FailedTasks = append(a.stats.FailedTasks, outcome)
	}
	if outcome.Degraded {
		a.stats.Degraded++
	}
	if outcome.Resumed {
		a.stats.Resumed++
	}
	if outcome.Duration > 0 {
		a.durations[outcome.Complexity] = append(a.durations[outcome.Complexity], outcome.Duration)
	}
}

// Stats returns a copy of the accumulated statistics with the batch duration
// filled in.
func (a *ResultAggregator) Stats() models.RunStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.stats
	stats.Duration = a.clock().Sub(a.startedAt)
	stats.FailedTasks = append([]models.TaskOutcome(nil), a.stats.FailedTasks...)
	return stats
}

// perfLine is one per-complexity row of the report.
type perfLine struct {
	class models.Complexity
	count int
	avg   time.Duration
}

func (a *ResultAggregator) performance() []perfLine {
	a.mu.Lock()
	defer a.mu.Unlock()

	lines := make([]perfLine, 0, len(a.durations))
	for class, ds := range a.durations {
		if len(ds) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range ds {
			total += d
		}
		lines = append(lines, perfLine{class: class, count: len(ds), avg: total / time.Duration(len(ds))})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].class < lines[j].class })
	return lines
}

// Report renders the plain-text execution report: totals, success rate,
// breaker state, per-complexity performance, and every failed task with its
// error message.
func (a *ResultAggregator) Report(breakerState string) string {
	stats := a.Stats()

	var sb strings.Builder
	sb.WriteString("=== Test Generation Report ===\n")
	sb.WriteString(fmt.Sprintf("Total tasks:    %d\n", stats.TotalTasks))
	sb.WriteString(fmt.Sprintf("Completed:      %d\n", stats.Completed))
	sb.WriteString(fmt.Sprintf("Failed:         %d\n", stats.Failed))
	if stats.Degraded > 0 {
		sb.WriteString(fmt.Sprintf("Degraded:       %d\n", stats.Degraded))
	}
	if stats.Resumed > 0 {
		sb.WriteString(fmt.Sprintf("Resumed:        %d\n", stats.Resumed))
	}
	sb.WriteString(fmt.Sprintf("Success rate:   %.1f%%\n", stats.SuccessRate()*100))
	sb.WriteString(fmt.Sprintf("Tokens used:    %d\n", stats.TotalTokens))
	sb.WriteString(fmt.Sprintf("Total cost:     $%.4f\n", stats.TotalCost))
	sb.WriteString(fmt.Sprintf("Duration:       %s\n", stats.Duration.Round(time.Second)))
	if breakerState != "" {
		sb.WriteString(fmt.Sprintf("Circuit state:  %s\n", breakerState))
	}

	if perf := a.performance(); len(perf) > 0 {
		sb.WriteString("\nPer-complexity performance:\n")
		for _, line := range perf {
			sb.WriteString(fmt.Sprintf("  %-8s %d tasks, avg %s\n", line.class, line.count, line.avg.Round(time.Millisecond)))
		}
	}

	if len(stats.FailedTasks) > 0 {
		sb.WriteString("\nFailed tasks:\n")
		for _, failed := range stats.FailedTasks {
			sb.WriteString(fmt.Sprintf("  - %s: %v\n", failed.TaskID, failed.Err))
		}
	}

	return sb.String()
}

// ReportMarkdown renders the report as markdown, for the report command and
// its HTML conversion.
func (a *ResultAggregator) ReportMarkdown(breakerState string) string {
	stats := a.Stats()

	var sb strings.Builder
	sb.WriteString("# Test Generation Report\n\n")
	sb.WriteString("| Metric | Value |\n|---|---|\n")
	sb.WriteString(fmt.Sprintf("| Total tasks | %d |\n", stats.TotalTasks))
	sb.WriteString(fmt.Sprintf("| Completed | %d |\n", stats.Completed))
	sb.WriteString(fmt.Sprintf("| Failed | %d |\n", stats.Failed))
	sb.WriteString(fmt.Sprintf("| Degraded | %d |\n", stats.Degraded))
	sb.WriteString(fmt.Sprintf("| Resumed | %d |\n", stats.Resumed))
	sb.WriteString(fmt.Sprintf("| Success rate | %.1f%% |\n", stats.SuccessRate()*100))
	sb.WriteString(fmt.Sprintf("| Tokens used | %d |\n", stats.TotalTokens))
	sb.WriteString(fmt.Sprintf("| Total cost | $%.4f |\n", stats.TotalCost))
	sb.WriteString(fmt.Sprintf("| Duration | %s |\n", stats.Duration.Round(time.Second)))
	if breakerState != "" {
		sb.WriteString(fmt.Sprintf("| Circuit state | %s |\n", breakerState))
	}

	if perf := a.performance(); len(perf) > 0 {
		sb.WriteString("\n## Per-complexity performance\n\n")
		sb.WriteString("| Complexity | Tasks | Avg duration |\n|---|---|---|\n")
		for _, line := range perf {
			sb.WriteString(fmt.Sprintf("| %s | %d | %s |\n", line.class, line.count, line.avg.Round(time.Millisecond)))
		}
	}

	if len(stats.FailedTasks) > 0 {
		sb.WriteString("\n## Failed tasks\n\n")
		for _, failed := range stats.FailedTasks {
			sb.WriteString(fmt.Sprintf("- **%s**: %v\n", failed.TaskID, failed.Err))
		}
	}

	return sb.String()
}
