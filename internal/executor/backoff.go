package executor

import (
	"math"
	"math/rand"
	"time"

	"github.com/harrison/testforge/internal/breaker"
	"github.com/harrison/testforge/internal/models"
)

// Complexity factors shorten backoff for quick tasks and stretch it for
// heavy ones, on the theory that a heavy task's transient failure needs
// more time to clear.
var complexityBackoffFactor = map[models.Complexity]float64{
	models.ComplexityLow:    0.5,
	models.ComplexityMedium: 1.0,
	models.ComplexityHigh:   1.5,
}

// BackoffConfig seeds the retry delay schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// CalculateBackoff returns the delay before retry number attempt (attempt 1
// is the delay after the first failure). Exponential growth from
// InitialDelay, scaled by the task complexity and the recommended strategy's
// multiplier, capped at MaxDelay, with ±25% jitter so synchronized retries
// spread out.
func CalculateBackoff(attempt int, cfg BackoffConfig, complexity models.Complexity, strategy breaker.Strategy, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < initial {
		maxDelay = initial
	}

	factor := complexityBackoffFactor[complexity]
	if factor == 0 {
		factor = 1.0
	}
	mult := strategy.BackoffMultiplier
	if mult <= 0 {
		mult = 1.0
	}

	delay := float64(initial) * math.Pow(2, float64(attempt-1)) * factor * mult
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// ±25% jitter
	var jitter float64
	if rng != nil {
		jitter = (rng.Float64()*2 - 1) * 0.25
	} else {
		jitter = (rand.Float64()*2 - 1) * 0.25
	}
	delay *= 1 + jitter

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
