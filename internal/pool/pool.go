// Package pool owns the registry of live AI CLI subprocesses and drives
// their periodic health evaluation independently of the per-task retry
// logic. It emits events and sends kill signals; it never mutates task
// outcomes directly.
package pool

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/harrison/testforge/internal/health"
)

// Ring buffer capacities bounding per-process memory.
const (
	outputRingCap = 500
	errorRingCap  = 250
)

const (
	defaultKillGrace        = 5 * time.Second
	defaultOutputWindow     = time.Minute
	maxHeartbeatInterval    = 10 * time.Second
	minHeartbeatInterval    = time.Second
	heartbeatTimeoutDivisor = 30
	eventBufferSize         = 64
)

// warningThresholds are the percent-of-timeout marks that each fire a
// warning event exactly once per process.
var warningThresholds = []int{50, 75, 90}

// DefaultProgressPatterns match the progress phrasing AI CLI tools commonly
// emit while generating code.
var DefaultProgressPatterns = []string{
	"generating",
	"writing",
	"creating",
	"analyzing",
	"progress",
	"completed",
	`\d+%`,
}

// Config holds pool manager tuning.
type Config struct {
	// Timeout is the per-attempt execution budget percent-of-timeout
	// warnings are computed against.
	Timeout time.Duration
	// HeartbeatInterval overrides the derived sampling interval when >0.
	// Derived: Timeout/30 clamped to [1s, 10s].
	HeartbeatInterval time.Duration
	// KillGrace is the SIGTERM to SIGKILL escalation window.
	KillGrace time.Duration
	// OutputWindow is the trailing window for output-rate calculation.
	OutputWindow time.Duration
	// ProgressPatterns are matched against output chunks to count progress
	// markers. DefaultProgressPatterns when empty.
	ProgressPatterns []string
	// Health holds the analyzer thresholds.
	Health health.Config
}

// DefaultConfig returns pool settings for a typical generation run.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Minute,
		KillGrace:        defaultKillGrace,
		OutputWindow:     defaultOutputWindow,
		ProgressPatterns: DefaultProgressPatterns,
		Health:           health.DefaultConfig(),
	}
}

// record tracks one currently-running subprocess. Owned exclusively by the
// Manager; all access goes through the Manager mutex.
type record struct {
	taskID  string
	cmd     *exec.Cmd
	started time.Time

	outputs      []time.Time // output chunk timestamps, bounded ring
	errors       []string    // stderr chunk texts, bounded ring
	lastActivity time.Time
	bytesOut     int64
	bytesErr     int64

	firedThresholds      map[int]bool
	progressMarkers      int
	waitingForInput      bool
	terminationRequested bool
	samples              int

	done   chan struct{} // closed on unregister
	closed bool
}

// ProcessInfo is a point-in-time snapshot of one registered process,
// exposed for reporting and zombie introspection.
type ProcessInfo struct {
	TaskID               string
	PID                  int
	Runtime              time.Duration
	OutputBytes          int64
	ErrorBytes           int64
	LastActivity         time.Time
	ProgressMarkers      int
	TerminationRequested bool
}

// Manager owns the set of live subprocess registrations.
type Manager struct {
	cfg     Config
	clock   func() time.Time
	timers  TimerSource
	sampler ResourceSampler

	mu           sync.Mutex
	procs        map[string]*record
	terminations map[string]string // taskID -> reason, survives unregister

	events chan Event
}

// NewManager constructs a pool manager. The timer source and resource
// sampler are injected so tests can run deterministically; pass
// RealTimerSource{} and NewProcSampler() in production.
func NewManager(cfg Config, clock func() time.Time, timers TimerSource, sampler ResourceSampler) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if timers == nil {
		timers = RealTimerSource{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.OutputWindow <= 0 {
		cfg.OutputWindow = defaultOutputWindow
	}
	if len(cfg.ProgressPatterns) == 0 {
		cfg.ProgressPatterns = DefaultProgressPatterns
	}

	return &Manager{
		cfg:          cfg,
		clock:        clock,
		timers:       timers,
		sampler:      sampler,
		procs:        make(map[string]*record),
		terminations: make(map[string]string),
		events:       make(chan Event, eventBufferSize),
	}
}

// Events returns the pool event stream. Events are dropped rather than
// blocking the heartbeat when the consumer falls behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// HeartbeatInterval returns the effective sampling interval.
func (m *Manager) HeartbeatInterval() time.Duration {
	if m.cfg.HeartbeatInterval > 0 {
		return m.cfg.HeartbeatInterval
	}
	derived := m.cfg.Timeout / heartbeatTimeoutDivisor
	if derived > maxHeartbeatInterval {
		derived = maxHeartbeatInterval
	}
	if derived < minHeartbeatInterval {
		derived = minHeartbeatInterval
	}
	return derived
}

// Register adds a started subprocess to the pool and begins heartbeat
// sampling for it. Registering a taskID that is already present is a
// programming error and fails without touching the existing registration.
func (m *Manager) Register(taskID string, cmd *exec.Cmd) error {
	if taskID == "" {
		return fmt.Errorf("register process: task id is required")
	}
	if cmd == nil {
		return fmt.Errorf("register process %s: command is required", taskID)
	}

	now := m.clock()

	m.mu.Lock()
	if _, exists := m.procs[taskID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("register process %s: task already registered", taskID)
	}
	rec := &record{
		taskID:          taskID,
		cmd:             cmd,
		started:         now,
		lastActivity:    now,
		firedThresholds: make(map[int]bool),
		done:            make(chan struct{}),
	}
	m.procs[taskID] = rec
	delete(m.terminations, taskID)
	m.mu.Unlock()

	m.emit(Event{Type: EventProcessStarted, TaskID: taskID, Time: now})

	go m.monitor(rec)
	return nil
}

// UpdateActivity records a stdout/stderr chunk for the process, resetting
// its stuck clock and appending to the bounded ring buffers.
func (m *Manager) UpdateActivity(taskID string, chunk string, isErr bool) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.procs[taskID]
	if !ok {
		return
	}

	rec.lastActivity = now
	if isErr {
		rec.bytesErr += int64(len(chunk))
		rec.errors = append(rec.errors, chunk)
		if len(rec.errors) > errorRingCap {
			rec.errors = rec.errors[len(rec.errors)-errorRingCap:]
		}
	} else {
		rec.bytesOut += int64(len(chunk))
		rec.outputs = append(rec.outputs, now)
		if len(rec.outputs) > outputRingCap {
			rec.outputs = rec.outputs[len(rec.outputs)-outputRingCap:]
		}
	}

	rec.progressMarkers += health.DetectProgressMarkers(chunk, m.cfg.ProgressPatterns)
	rec.waitingForInput = health.DetectInputWait(chunk)
}

// Unregister removes a process from the pool and stops its heartbeat.
// It is a no-op for unknown ids, tolerating races between natural exit and
// forced kill.
func (m *Manager) Unregister(taskID string) {
	m.mu.Lock()
	rec, ok := m.procs[taskID]
	if ok {
		delete(m.procs, taskID)
		if !rec.closed {
			rec.closed = true
			close(rec.done)
		}
	}
	m.mu.Unlock()

	if ok {
		if ps, isProc := m.sampler.(*ProcSampler); isProc && rec.cmd.Process != nil {
			ps.Forget(rec.cmd.Process.Pid)
		}
	}
}

// Terminate sends SIGTERM to the process and escalates to SIGKILL if it has
// not exited within the kill grace window. The SIGKILL fallback is allowed
// to fail silently (the process may have already exited); a failed SIGTERM
// is surfaced as an error. Termination is a one-way transition: repeated
// calls for the same process are no-ops.
func (m *Manager) Terminate(taskID, reason string) error {
	m.mu.Lock()
	rec, ok := m.procs[taskID]
	if !ok || rec.terminationRequested {
		m.mu.Unlock()
		return nil
	}
	rec.terminationRequested = true
	m.terminations[taskID] = reason
	proc := rec.cmd.Process
	done := rec.done
	grace := m.cfg.KillGrace
	m.mu.Unlock()

	if proc == nil {
		return nil
	}

	if err := signalGroup(proc, syscall.SIGTERM); err != nil {
		m.emit(Event{
			Type:     EventWarning,
			TaskID:   taskID,
			Messages: []string{fmt.Sprintf("SIGTERM failed: %v", err)},
			Time:     m.clock(),
		})
		return fmt.Errorf("send SIGTERM to task %s: %w", taskID, err)
	}

	m.emit(Event{Type: EventTerminated, TaskID: taskID, Reason: reason, Time: m.clock()})

	select {
	case <-done:
	case <-time.After(grace):
		_ = signalGroup(proc, syscall.SIGKILL)
	}
	return nil
}

// signalGroup delivers sig to the process's whole group so children forked
// by the CLI die with it; orphans would otherwise keep the output pipes
// open and the worker slot occupied. Falls back to the direct process when
// it was not started in its own group.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-proc.Pid, sig); err == nil {
		return nil
	}
	return proc.Signal(sig)
}

// TerminationReason reports whether the pool forcibly terminated the task's
// most recent process and why. The reason survives Unregister so the
// executor can classify the exit after the fact.
func (m *Manager) TerminationReason(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.terminations[taskID]
	return reason, ok
}

// Count returns the number of currently registered processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Snapshot returns resource-usage introspection for every registered
// process, for reporting.
func (m *Manager) Snapshot() []ProcessInfo {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(m.procs))
	for _, rec := range m.procs {
		pid := 0
		if rec.cmd.Process != nil {
			pid = rec.cmd.Process.Pid
		}
		infos = append(infos, ProcessInfo{
			TaskID:               rec.taskID,
			PID:                  pid,
			Runtime:              now.Sub(rec.started),
			OutputBytes:          rec.bytesOut,
			ErrorBytes:           rec.bytesErr,
			LastActivity:         rec.lastActivity,
			ProgressMarkers:      rec.progressMarkers,
			TerminationRequested: rec.terminationRequested,
		})
	}
	return infos
}

// monitor runs the heartbeat loop for one process until it is unregistered.
func (m *Manager) monitor(rec *record) {
	tick, stop := m.timers.Tick(m.HeartbeatInterval())
	defer stop()

	for {
		select {
		case <-rec.done:
			return
		case <-tick:
			m.evaluate(rec)
		}
	}
}

// evaluate performs one heartbeat tick: sample resources, fire unfired
// percent-of-timeout warnings, and act on the health verdict.
func (m *Manager) evaluate(rec *record) {
	now := m.clock()

	m.mu.Lock()
	if rec.closed || rec.terminationRequested {
		m.mu.Unlock()
		return
	}

	pid := 0
	if rec.cmd.Process != nil {
		pid = rec.cmd.Process.Pid
	}
	m.mu.Unlock()

	// Best-effort sampling outside the lock; a missing PID yields zeros.
	var cpu, mem float64
	if m.sampler != nil {
		cpu, mem = m.sampler.Sample(pid)
	}

	m.mu.Lock()
	rec.samples++
	runtime := now.Sub(rec.started)

	var warnings []string
	if m.cfg.Timeout > 0 {
		elapsedPercent := int(runtime * 100 / m.cfg.Timeout)
		for _, threshold := range warningThresholds {
			if elapsedPercent >= threshold && !rec.firedThresholds[threshold] {
				rec.firedThresholds[threshold] = true
				warnings = append(warnings, fmt.Sprintf("%d%% of timeout elapsed (%s of %s)",
					threshold, runtime.Round(time.Second), m.cfg.Timeout))
			}
		}
	}

	severity := health.AnalyzeErrorSeverity(rec.errors)
	metrics := health.Metrics{
		CPUPercent:          cpu,
		MemoryMB:            mem,
		OutputRate:          health.CalculateOutputRate(rec.outputs, m.cfg.OutputWindow, now),
		TimeSinceLastOutput: now.Sub(rec.lastActivity),
		ErrorCount:          severity.Count,
		ProcessRuntime:      runtime,
		ProgressMarkerCount: rec.progressMarkers,
		IsWaitingForInput:   rec.waitingForInput,
	}
	samples := rec.samples
	taskID := rec.taskID
	m.mu.Unlock()

	if len(warnings) > 0 {
		m.emit(Event{Type: EventWarning, TaskID: taskID, Messages: warnings, Time: now})
	}

	status := health.AnalyzeHealth(metrics, m.cfg.Health)

	if len(status.Warnings) > 0 {
		m.emit(Event{Type: EventResourceWarning, TaskID: taskID, Messages: status.Warnings, Time: now})
	}

	if !status.ShouldTerminate {
		return
	}

	// Early readings are unreliable; only an excessive-threshold breach may
	// terminate before enough samples have accumulated.
	reliability := health.CalculateConfidence(metrics, samples)
	if reliability < 0.5 && status.Confidence > 0.3 {
		return
	}

	// Terminate blocks for up to the kill grace window, so it must not run
	// on the heartbeat goroutine.
	go func() {
		_ = m.Terminate(taskID, status.Reason)
	}()
}

// emit performs a non-blocking event send. Dropping beats stalling the
// heartbeat loop behind a slow consumer.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
