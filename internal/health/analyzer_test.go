package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func healthyMetrics() Metrics {
	return Metrics{
		CPUPercent:          20,
		MemoryMB:            256,
		OutputRate:          10,
		TimeSinceLastOutput: 5 * time.Second,
		ErrorCount:          0,
		ProcessRuntime:      time.Minute,
		ProgressMarkerCount: 3,
	}
}

func TestAnalyzeHealthAllWithinThresholds(t *testing.T) {
	status := AnalyzeHealth(healthyMetrics(), DefaultConfig())

	assert.True(t, status.IsHealthy)
	assert.False(t, status.ShouldTerminate)
	assert.Empty(t, status.Warnings)
	assert.Equal(t, 1.0, status.Confidence)
	assert.Empty(t, status.Reason)
}

func TestAnalyzeHealthExcessiveCPUTerminates(t *testing.T) {
	cfg := DefaultConfig()

	// Beyond 1.5x threshold terminates regardless of every other field.
	m := healthyMetrics()
	m.CPUPercent = cfg.CPUThresholdPercent*1.5 + 1

	status := AnalyzeHealth(m, cfg)
	assert.False(t, status.IsHealthy)
	assert.True(t, status.ShouldTerminate)
	assert.Contains(t, status.Reason, "excessive CPU")
}

func TestAnalyzeHealthCPUWarningZone(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.CPUPercent = cfg.CPUThresholdPercent + 5 // above threshold, below 1.5x

	status := AnalyzeHealth(m, cfg)
	assert.True(t, status.IsHealthy)
	assert.False(t, status.ShouldTerminate)
	assert.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "elevated CPU")
}

func TestAnalyzeHealthExcessiveMultiplierTunable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcessiveMultiplier = 2.0

	m := healthyMetrics()
	m.CPUPercent = cfg.CPUThresholdPercent * 1.6 // excessive at 1.5x, warning at 2.0x

	status := AnalyzeHealth(m, cfg)
	assert.True(t, status.IsHealthy)
	assert.False(t, status.ShouldTerminate)
	assert.Len(t, status.Warnings, 1)
}

func TestAnalyzeHealthStuckProcess(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.OutputRate = 0
	m.TimeSinceLastOutput = cfg.MaxSilenceDuration + time.Minute
	m.ProgressMarkerCount = 0

	status := AnalyzeHealth(m, cfg)
	assert.False(t, status.IsHealthy)
	assert.True(t, status.ShouldTerminate)
	assert.Contains(t, status.Reason, "stuck")
}

func TestAnalyzeHealthInputWaitSuppressesStuckRule(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.OutputRate = 0
	m.TimeSinceLastOutput = cfg.MaxSilenceDuration + time.Minute
	m.ProgressMarkerCount = 0
	m.IsWaitingForInput = true

	status := AnalyzeHealth(m, cfg)
	assert.True(t, status.IsHealthy)
	assert.False(t, status.ShouldTerminate)
}

func TestAnalyzeHealthProgressMarkersSuppressStuckRule(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.OutputRate = 0
	m.TimeSinceLastOutput = cfg.MaxSilenceDuration + time.Minute
	m.ProgressMarkerCount = 2

	status := AnalyzeHealth(m, cfg)
	assert.True(t, status.IsHealthy)
}

func TestAnalyzeHealthTooManyErrors(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.ErrorCount = cfg.MaxErrorCount + 1

	status := AnalyzeHealth(m, cfg)
	assert.False(t, status.IsHealthy)
	// A single error-volume signal is not confident enough to terminate.
	assert.False(t, status.ShouldTerminate)
	assert.Contains(t, status.Reason, "too many errors")
}

func TestAnalyzeHealthTwoSignalsTerminate(t *testing.T) {
	cfg := DefaultConfig()

	m := healthyMetrics()
	m.ErrorCount = cfg.MaxErrorCount + 1
	m.OutputRate = 0
	m.TimeSinceLastOutput = cfg.MaxSilenceDuration + time.Minute
	m.ProgressMarkerCount = 0

	status := AnalyzeHealth(m, cfg)
	assert.False(t, status.IsHealthy)
	assert.True(t, status.ShouldTerminate)
	assert.Less(t, status.Confidence, 0.5)
}

func TestCalculateOutputRate(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 0.0, CalculateOutputRate(nil, time.Minute, now))
	assert.Equal(t, 0.0, CalculateOutputRate([]time.Time{}, time.Minute, now))

	// 3 entries within the last 30s over a 60s lookback: 3 lines/min.
	outputs := []time.Time{
		now.Add(-10 * time.Second),
		now.Add(-20 * time.Second),
		now.Add(-30*time.Second + time.Millisecond),
		now.Add(-2 * time.Minute), // outside window, ignored
	}
	rate := CalculateOutputRate(outputs, time.Minute, now)
	assert.InDelta(t, 3.0, rate, 0.01)

	// Rate scales linearly with entries per window.
	doubled := append(outputs,
		now.Add(-5*time.Second),
		now.Add(-15*time.Second),
		now.Add(-25*time.Second),
	)
	assert.InDelta(t, 6.0, CalculateOutputRate(doubled, time.Minute, now), 0.01)
}

func TestDetectProgressMarkers(t *testing.T) {
	text := "Generating tests...\nWRITING file 3 of 10\nprogress: 30%"

	assert.Equal(t, 2, DetectProgressMarkers(text, []string{"writing file", "progress:"}))
	assert.Equal(t, 1, DetectProgressMarkers(text, []string{`file \d+ of \d+`}))
	assert.Equal(t, 0, DetectProgressMarkers(text, []string{"compiling"}))

	// Invalid regex is a non-match, never a panic.
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, DetectProgressMarkers(text, []string{"[invalid"}))
	})
}

func TestDetectInputWait(t *testing.T) {
	assert.True(t, DetectInputWait("Press Enter to continue"))
	assert.True(t, DetectInputWait("Overwrite existing file? (y/n)"))
	assert.True(t, DetectInputWait("Please provide your API key:"))
	assert.False(t, DetectInputWait("Processing data..."))
	assert.False(t, DetectInputWait(""))
}

func TestAnalyzeErrorSeverity(t *testing.T) {
	sev := AnalyzeErrorSeverity([]string{"warning: deprecated flag", "error: retrying"})
	assert.Equal(t, 2, sev.Count)
	assert.False(t, sev.Critical)

	sev = AnalyzeErrorSeverity([]string{"warning: slow", "Segmentation fault (core dumped)"})
	assert.Equal(t, 2, sev.Count)
	assert.True(t, sev.Critical)

	sev = AnalyzeErrorSeverity(nil)
	assert.Zero(t, sev.Count)
	assert.False(t, sev.Critical)
}

func TestCalculateConfidence(t *testing.T) {
	m := healthyMetrics()

	assert.Equal(t, 1.0, CalculateConfidence(m, 10))

	// Low sample counts scale confidence down proportionally.
	assert.InDelta(t, 0.6, CalculateConfidence(m, 3), 0.01)

	// Very short runtimes halve it again.
	early := m
	early.ProcessRuntime = 2 * time.Second
	assert.InDelta(t, 0.3, CalculateConfidence(early, 3), 0.01)

	// Floored at 0.1.
	assert.Equal(t, 0.1, CalculateConfidence(early, 0))
}
