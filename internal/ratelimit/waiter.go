package ratelimit

import (
	"context"
	"time"
)

// WaiterLogger receives countdown notifications during a reset wait.
type WaiterLogger interface {
	LogRateLimitCountdown(remaining, total time.Duration)
}

// Waiter blocks until a rate-limit reset, bounded by a maximum wait.
type Waiter struct {
	maxWait      time.Duration // Longest wait before giving up on the reset
	announceInt  time.Duration // Countdown announcement interval
	safetyBuffer time.Duration // Extra wait after the advertised reset
	logger       WaiterLogger  // Can be nil for silent operation
}

// NewWaiter creates a waiter with the given configuration.
func NewWaiter(maxWait, announceInterval, safetyBuffer time.Duration, logger WaiterLogger) *Waiter {
	return &Waiter{
		maxWait:      maxWait,
		announceInt:  announceInterval,
		safetyBuffer: safetyBuffer,
		logger:       logger,
	}
}

// ShouldWait returns true when the reset is near enough to be worth
// blocking for instead of failing the attempt.
func (w *Waiter) ShouldWait(info *Info) bool {
	if info == nil || info.ResetAt.IsZero() {
		return false
	}
	return info.TimeUntilReset() <= w.maxWait
}

// WaitForReset blocks until the rate limit resets plus the safety buffer,
// with periodic countdown announcements. Returns the context error if
// cancelled.
func (w *Waiter) WaitForReset(ctx context.Context, info *Info) error {
	if info == nil {
		return nil
	}

	if info.IsExpired() {
		select {
		case <-time.After(w.safetyBuffer):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	totalWait := info.TimeUntilReset() + w.safetyBuffer
	endTime := time.Now().Add(totalWait)

	ticker := time.NewTicker(w.announceInt)
	defer ticker.Stop()

	if w.logger != nil {
		w.logger.LogRateLimitCountdown(totalWait, totalWait)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			remaining := endTime.Sub(now)
			if remaining <= 0 {
				return nil
			}
			if w.logger != nil {
				w.logger.LogRateLimitCountdown(remaining, totalWait)
			}

		case <-time.After(time.Until(endTime)):
			return nil
		}
	}
}
