package executor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harrison/testforge/internal/breaker"
	"github.com/harrison/testforge/internal/models"
)

func fixedRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestCalculateBackoffGrowsExponentially(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Minute}

	// Jitter is ±25%, so attempt n+1 at 2x must always exceed attempt n.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := CalculateBackoff(attempt, cfg, models.ComplexityMedium, breaker.StrategyStandard, fixedRand())
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestCalculateBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 4 * time.Second, MaxDelay: time.Minute}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		d := CalculateBackoff(1, cfg, models.ComplexityMedium, breaker.StrategyStandard, rng)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestCalculateBackoffCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second}

	d := CalculateBackoff(10, cfg, models.ComplexityHigh, breaker.StrategyExtendedBackoff, fixedRand())
	// cap plus max jitter
	assert.LessOrEqual(t, d, 12500*time.Millisecond)
}

func TestCalculateBackoffStrategyMultiplier(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Hour}
	rng := rand.New(rand.NewSource(7))

	var standard, extended time.Duration
	for i := 0; i < 50; i++ {
		standard += CalculateBackoff(1, cfg, models.ComplexityMedium, breaker.StrategyStandard, rng)
		extended += CalculateBackoff(1, cfg, models.ComplexityMedium, breaker.StrategyExtendedBackoff, rng)
	}
	// extended-backoff is 2.5x; averages over 50 draws cannot overlap
	assert.Greater(t, extended, standard*2)
}

func TestCalculateBackoffComplexityFactor(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 8 * time.Second, MaxDelay: time.Hour}
	rng := rand.New(rand.NewSource(7))

	var low, high time.Duration
	for i := 0; i < 50; i++ {
		low += CalculateBackoff(1, cfg, models.ComplexityLow, breaker.StrategyStandard, rng)
		high += CalculateBackoff(1, cfg, models.ComplexityHigh, breaker.StrategyStandard, rng)
	}
	assert.Greater(t, high, low*2)
}

func TestCalculateBackoffDefaults(t *testing.T) {
	// zero config falls back to a sane schedule instead of zero delays
	d := CalculateBackoff(1, BackoffConfig{}, "", breaker.Strategy{}, fixedRand())
	assert.Greater(t, d, time.Second)
	assert.Less(t, d, 3*time.Second)
}
