// Package health provides stateless health evaluation for AI CLI subprocesses.
//
// All functions are pure: they take point-in-time metrics and configured
// thresholds and return a verdict. No I/O, no retained state. The pool
// manager calls them on every heartbeat tick.
package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Confidence levels assigned to individual unhealthy signals. Signals are
// combined by taking the minimum; two simultaneous signals shave off an
// additional penalty so the combination drops below the termination line.
const (
	confidenceExcessive = 0.3 // hard threshold breach (CPU/memory beyond excessive multiplier)
	confidenceStuck     = 0.4 // no output, no progress markers, past silence window
	confidenceErrors    = 0.6 // error count above threshold
	confidenceWarning   = 0.8 // warning-zone signal, still healthy
	multiSignalPenalty  = 0.2

	// terminationConfidence is the line below which ShouldTerminate is set.
	terminationConfidence = 0.5
)

// Metrics is a point-in-time sample of a subprocess's observed behavior.
type Metrics struct {
	CPUPercent          float64       // CPU usage percent for the PID
	MemoryMB            float64       // Resident memory in MB for the PID
	OutputRate          float64       // Lines per minute over the trailing window
	TimeSinceLastOutput time.Duration // Elapsed since the last stdout/stderr chunk
	ErrorCount          int           // Stderr entries observed so far
	ProcessRuntime      time.Duration // Elapsed since spawn
	ProgressMarkerCount int           // Progress markers matched in output
	IsWaitingForInput   bool          // Output ends in a prompt idiom
}

// Config holds the thresholds health evaluation is judged against.
type Config struct {
	CPUThresholdPercent float64       // Warning threshold for CPU percent
	MemoryThresholdMB   float64       // Warning threshold for resident memory
	MinOutputRate       float64       // Minimum healthy lines per minute
	MaxSilenceDuration  time.Duration // Longest tolerated gap without output
	MaxErrorCount       int           // Most stderr entries before flagging
	// ExcessiveMultiplier scales the warning thresholds up to the hard
	// "excessive" cutoffs. Workload-dependent, so it is a tunable rather
	// than a constant; 1.5 when unset.
	ExcessiveMultiplier float64
}

// DefaultConfig returns thresholds suitable for a single AI CLI subprocess.
func DefaultConfig() Config {
	return Config{
		CPUThresholdPercent: 80,
		MemoryThresholdMB:   2048,
		MinOutputRate:       1,
		MaxSilenceDuration:  2 * time.Minute,
		MaxErrorCount:       10,
		ExcessiveMultiplier: 1.5,
	}
}

// Status is the verdict for one heartbeat tick. It is ephemeral and never
// persisted; the pool recomputes it on every tick.
type Status struct {
	IsHealthy       bool
	ShouldTerminate bool
	Warnings        []string
	Confidence      float64 // 1.0 fully healthy, <0.5 implies termination
	Reason          string  // Populated when unhealthy
}

// AnalyzeHealth evaluates the independent health rules and combines them by
// minimum confidence. Termination is implied by confidence below 0.5: either
// two independent unhealthy signals, or a single excessive-threshold breach.
func AnalyzeHealth(m Metrics, cfg Config) Status {
	mult := cfg.ExcessiveMultiplier
	if mult <= 0 {
		mult = 1.5
	}

	status := Status{IsHealthy: true, Confidence: 1.0}
	var signals []float64

	flag := func(confidence float64, reason string) {
		signals = append(signals, confidence)
		status.IsHealthy = false
		if status.Reason == "" {
			status.Reason = reason
		}
	}

	// CPU rule: beyond the excessive cutoff is unhealthy; between the
	// warning threshold and the cutoff is a warning only.
	if cfg.CPUThresholdPercent > 0 {
		switch {
		case m.CPUPercent > cfg.CPUThresholdPercent*mult:
			flag(confidenceExcessive, fmt.Sprintf("excessive CPU usage: %.1f%% (threshold %.1f%%)", m.CPUPercent, cfg.CPUThresholdPercent))
		case m.CPUPercent > cfg.CPUThresholdPercent:
			status.Warnings = append(status.Warnings, fmt.Sprintf("elevated CPU usage: %.1f%%", m.CPUPercent))
		}
	}

	// Memory rule, analogous to CPU with its own threshold.
	if cfg.MemoryThresholdMB > 0 {
		switch {
		case m.MemoryMB > cfg.MemoryThresholdMB*mult:
			flag(confidenceExcessive, fmt.Sprintf("excessive memory usage: %.0fMB (threshold %.0fMB)", m.MemoryMB, cfg.MemoryThresholdMB))
		case m.MemoryMB > cfg.MemoryThresholdMB:
			status.Warnings = append(status.Warnings, fmt.Sprintf("elevated memory usage: %.0fMB", m.MemoryMB))
		}
	}

	// Stuck rule. A process legitimately blocked on input is not stuck, so
	// IsWaitingForInput suppresses this rule entirely.
	if m.OutputRate < cfg.MinOutputRate &&
		m.TimeSinceLastOutput > cfg.MaxSilenceDuration &&
		m.ProgressMarkerCount == 0 &&
		!m.IsWaitingForInput {
		flag(confidenceStuck, fmt.Sprintf("process appears stuck: no output for %s", m.TimeSinceLastOutput.Round(time.Second)))
	}

	// Error volume rule.
	if cfg.MaxErrorCount > 0 && m.ErrorCount > cfg.MaxErrorCount {
		flag(confidenceErrors, fmt.Sprintf("too many errors: %d (threshold %d)", m.ErrorCount, cfg.MaxErrorCount))
	}

	if len(signals) > 0 {
		min := signals[0]
		for _, s := range signals[1:] {
			if s < min {
				min = s
			}
		}
		if len(signals) > 1 {
			min -= multiSignalPenalty
		}
		if min < 0 {
			min = 0
		}
		status.Confidence = min
	} else if len(status.Warnings) > 0 {
		status.Confidence = confidenceWarning
	}

	status.ShouldTerminate = status.Confidence < terminationConfidence
	return status
}

// CalculateOutputRate returns output lines per minute over the trailing
// window. Entries older than windowMs are ignored; empty input yields 0.
func CalculateOutputRate(outputs []time.Time, window time.Duration, now time.Time) float64 {
	if len(outputs) == 0 || window <= 0 {
		return 0
	}

	cutoff := now.Add(-window)
	count := 0
	for _, ts := range outputs {
		if ts.After(cutoff) {
			count++
		}
	}

	return float64(count) / window.Minutes()
}

// DetectProgressMarkers counts case-insensitive matches of the given patterns
// in text. Each pattern is tried first as a literal substring, then as a
// regular expression; an invalid regex is treated as a non-match rather than
// an error, so a bad pattern can never take down the heartbeat loop.
func DetectProgressMarkers(text string, patterns []string) int {
	if text == "" || len(patterns) == 0 {
		return 0
	}

	lower := strings.ToLower(text)
	count := 0
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			count++
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			count++
		}
	}
	return count
}

// inputWaitIdioms are the prompt fragments that indicate a subprocess is
// blocked waiting for interactive input rather than hung.
var inputWaitIdioms = []string{
	"waiting for input",
	"(y/n)",
	"press enter",
	"api key",
	"continue?",
}

// DetectInputWait reports whether text ends in a recognizable interactive
// prompt. Matching is case-insensitive against a fixed set of idioms.
func DetectInputWait(text string) bool {
	lower := strings.ToLower(text)
	for _, idiom := range inputWaitIdioms {
		if strings.Contains(lower, idiom) {
			return true
		}
	}
	return false
}

// fatalSignalLiterals mark stderr entries that indicate a non-recoverable
// process state regardless of the total error count.
var fatalSignalLiterals = []string{
	"segmentation fault",
	"core dumped",
	"out of memory",
	"panic:",
	"critical:",
	"emergency:",
}

// ErrorSeverity summarizes the stderr entries observed for a process.
type ErrorSeverity struct {
	Count    int
	Critical bool
}

// AnalyzeErrorSeverity counts entries and flags whether any match a
// fatal-signal literal.
func AnalyzeErrorSeverity(entries []string) ErrorSeverity {
	sev := ErrorSeverity{Count: len(entries)}
	for _, entry := range entries {
		lower := strings.ToLower(entry)
		for _, literal := range fatalSignalLiterals {
			if strings.Contains(lower, literal) {
				sev.Critical = true
				return sev
			}
		}
	}
	return sev
}

// CalculateConfidence estimates how trustworthy a health verdict is given the
// number of heartbeat samples collected and the process runtime. Early
// readings are unreliable: fewer than 5 samples or less than 5 seconds of
// runtime scale the confidence down, floored at 0.1.
func CalculateConfidence(m Metrics, sampleCount int) float64 {
	confidence := 1.0

	if sampleCount < 5 {
		confidence *= float64(sampleCount) / 5.0
	}
	if m.ProcessRuntime < 5*time.Second {
		confidence *= 0.5
	}

	if confidence < 0.1 {
		confidence = 0.1
	}
	return confidence
}
