package pool

import "time"

// TimerSource abstracts ticker creation so tests can drive heartbeat loops
// deterministically with fake timers instead of monkeypatching time.
type TimerSource interface {
	// Tick returns a channel that delivers ticks at the given interval and
	// a stop function releasing the underlying resources.
	Tick(interval time.Duration) (<-chan time.Time, func())
}

// RealTimerSource implements TimerSource with time.Ticker.
type RealTimerSource struct{}

// Tick returns a real ticker channel.
func (RealTimerSource) Tick(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}
