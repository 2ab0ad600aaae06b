package pool

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceSampler samples OS-level CPU and memory usage for a PID.
// Sampling is best-effort: a missing or unreadable PID yields zeroed
// metrics rather than an error, so the heartbeat loop never fails on it.
type ResourceSampler interface {
	Sample(pid int) (cpuPercent, memoryMB float64)
}

// clockTicksPerSecond is the kernel USER_HZ value used to convert the
// jiffy counters in /proc/<pid>/stat to seconds. 100 on every mainstream
// Linux configuration.
const clockTicksPerSecond = 100

// ProcSampler reads /proc/<pid>/stat and /proc/<pid>/status on Linux.
// CPU percent is computed from the jiffy delta between consecutive samples
// for the same PID, so the first sample for a PID always reports 0 CPU.
type ProcSampler struct {
	mu   sync.Mutex
	prev map[int]procCPUReading
}

type procCPUReading struct {
	jiffies uint64
	at      time.Time
}

// NewProcSampler creates a new /proc-backed resource sampler.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{prev: make(map[int]procCPUReading)}
}

// Sample returns CPU percent and resident memory in MB for pid.
func (s *ProcSampler) Sample(pid int) (float64, float64) {
	if pid <= 0 {
		return 0, 0
	}
	return s.sampleCPU(pid), sampleMemoryMB(pid)
}

// Forget drops the cached CPU reading for a PID after its process exits.
func (s *ProcSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.prev, pid)
	s.mu.Unlock()
}

func (s *ProcSampler) sampleCPU(pid int) float64 {
	jiffies, err := readProcessJiffies(pid)
	if err != nil {
		return 0
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prev[pid]
	s.prev[pid] = procCPUReading{jiffies: jiffies, at: now}
	if !ok || jiffies < prev.jiffies {
		return 0
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	cpuSeconds := float64(jiffies-prev.jiffies) / clockTicksPerSecond
	return cpuSeconds / elapsed * 100
}

// readProcessJiffies parses utime+stime (fields 14 and 15) from
// /proc/<pid>/stat. The comm field can contain spaces and parentheses, so
// fields are counted from the last ')'.
func readProcessJiffies(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	line := string(data)
	idx := strings.LastIndexByte(line, ')')
	if idx < 0 || idx+2 > len(line) {
		return 0, fmt.Errorf("unexpected format in /proc/%d/stat", pid)
	}

	fields := strings.Fields(line[idx+2:])
	// After ')': field 3 is state, so utime/stime are fields[11] and [12].
	if len(fields) < 13 {
		return 0, fmt.Errorf("too few fields in /proc/%d/stat", pid)
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}

	return utime + stime, nil
}

// sampleMemoryMB parses VmRSS from /proc/<pid>/status.
// Look for line: "VmRSS:      123456 kB"
func sampleMemoryMB(pid int) float64 {
	file, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0
			}
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}
