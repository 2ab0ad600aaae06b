package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/testforge/internal/models"
)

func TestAggregatorRecordsOutcomes(t *testing.T) {
	agg := NewResultAggregator(4)

	agg.Record(models.TaskOutcome{TaskID: "a", Success: true, TokensUsed: 1000, ActualCost: 0.02, Duration: time.Second, Complexity: models.ComplexityLow})
	agg.Record(models.TaskOutcome{TaskID: "b", Success: true, TokensUsed: 2000, ActualCost: 0.04, Duration: 2 * time.Second, Complexity: models.ComplexityHigh, Resumed: true})
	agg.Record(models.TaskOutcome{TaskID: "c", Success: true, Degraded: true, Duration: time.Millisecond, Complexity: models.ComplexityLow})
	agg.Record(models.TaskOutcome{TaskID: "d", Success: false, Err: errors.New("boom"), Attempts: 3, Complexity: models.ComplexityMedium})

	stats := agg.Stats()
	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Degraded)
	assert.Equal(t, 1, stats.Resumed)
	assert.Equal(t, 3000, stats.TotalTokens)
	assert.InDelta(t, 0.06, stats.TotalCost, 1e-9)
	assert.InDelta(t, 0.75, stats.SuccessRate(), 1e-9)
	require.Len(t, stats.FailedTasks, 1)
	assert.Equal(t, "d", stats.FailedTasks[0].TaskID)
}

func TestAggregatorStatsReturnsCopy(t *testing.T) {
	agg := NewResultAggregator(2)
	agg.Record(models.TaskOutcome{TaskID: "a", Success: false, Err: errors.New("boom")})

	first := agg.Stats()
	first.FailedTasks[0].TaskID = "mutated"

	second := agg.Stats()
	assert.Equal(t, "a", second.FailedTasks[0].TaskID)
}

func TestReportContents(t *testing.T) {
	agg := NewResultAggregator(3)
	agg.clock = func() time.Time { return agg.startedAt.Add(90 * time.Second) }

	agg.Record(models.TaskOutcome{TaskID: "gen-a", Success: true, TokensUsed: 1500, ActualCost: 0.03, Duration: 2 * time.Second, Complexity: models.ComplexityLow})
	agg.Record(models.TaskOutcome{TaskID: "gen-b", Success: true, TokensUsed: 2500, ActualCost: 0.05, Duration: 4 * time.Second, Complexity: models.ComplexityLow})
	agg.Record(models.TaskOutcome{TaskID: "gen-c", Success: false, Err: errors.New("rate limited"), Duration: time.Second, Complexity: models.ComplexityHigh})

	report := agg.Report("closed")

	assert.Contains(t, report, "=== Test Generation Report ===")
	assert.Contains(t, report, "Total tasks:    3")
	assert.Contains(t, report, "Completed:      2")
	assert.Contains(t, report, "Failed:         1")
	assert.Contains(t, report, "Success rate:   66.7%")
	assert.Contains(t, report, "Tokens used:    4000")
	assert.Contains(t, report, "Total cost:     $0.0800")
	assert.Contains(t, report, "Duration:       1m30s")
	assert.Contains(t, report, "Circuit state:  closed")
	assert.Contains(t, report, "Per-complexity performance:")
	assert.Contains(t, report, "low")
	assert.Contains(t, report, "2 tasks, avg 3s")
	assert.Contains(t, report, "Failed tasks:")
	assert.Contains(t, report, "gen-c: rate limited")

	// no degraded or resumed lines when neither happened
	assert.NotContains(t, report, "Degraded:")
	assert.NotContains(t, report, "Resumed:")
}

func TestReportOmitsEmptyBreakerState(t *testing.T) {
	agg := NewResultAggregator(1)
	agg.Record(models.TaskOutcome{TaskID: "a", Success: true})

	assert.NotContains(t, agg.Report(""), "Circuit state:")
}

func TestReportMarkdownContents(t *testing.T) {
	agg := NewResultAggregator(2)
	agg.Record(models.TaskOutcome{TaskID: "gen-a", Success: true, TokensUsed: 800, ActualCost: 0.01, Duration: time.Second, Complexity: models.ComplexityMedium})
	agg.Record(models.TaskOutcome{TaskID: "gen-b", Success: false, Err: errors.New("timeout after 10m"), Duration: time.Second, Complexity: models.ComplexityHigh})

	md := agg.ReportMarkdown("half-open")

	assert.Contains(t, md, "# Test Generation Report")
	assert.Contains(t, md, "| Total tasks | 2 |")
	assert.Contains(t, md, "| Completed | 1 |")
	assert.Contains(t, md, "| Failed | 1 |")
	assert.Contains(t, md, "| Circuit state | half-open |")
	assert.Contains(t, md, "## Per-complexity performance")
	assert.Contains(t, md, "| medium | 1 | 1s |")
	assert.Contains(t, md, "## Failed tasks")
	assert.Contains(t, md, "- **gen-b**: timeout after 10m")
}
