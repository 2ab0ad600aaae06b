// Package breaker gates calls to the external AI CLI behind a circuit
// breaker and tracks failure patterns that bias future retry strategy.
package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/harrison/testforge/internal/models"
)

// Defaults per dependency: five consecutive failures open the circuit for
// sixty seconds before a single half-open probe is allowed.
const (
	defaultFailureThreshold uint32        = 5
	defaultRecoveryTimeout  time.Duration = 60 * time.Second
)

// Config tunes the circuit breaker for one logical dependency.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// Breaker wraps calls that produce a CLI response. In the closed state it
// executes and counts consecutive failures; open rejects immediately;
// half-open (after the recovery timeout) allows exactly one probe whose
// outcome closes or reopens the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[*models.CLIResponse]
}

// StateChangeFunc observes breaker transitions, for logging.
type StateChangeFunc func(name, from, to string)

// New constructs a breaker for the named dependency (e.g. "ai-cli").
// Zero-valued config fields fall back to the defaults. onChange may be nil.
func New(name string, cfg Config, onChange StateChangeFunc) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	timeout := cfg.RecoveryTimeout
	if timeout == 0 {
		timeout = defaultRecoveryTimeout
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe in half-open
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from.String(), to.String())
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[*models.CLIResponse](settings)}
}

// Execute routes fn through the circuit. When the circuit is open the call
// is rejected without invoking fn.
func (b *Breaker) Execute(fn func() (*models.CLIResponse, error)) (*models.CLIResponse, error) {
	resp, err := b.cb.Execute(fn)
	if err != nil {
		if IsOpen(err) {
			return nil, fmt.Errorf("dependency %q circuit open: %w", b.cb.Name(), err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the current circuit state as a string for reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts exposes the breaker's failure/success counters for the report.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// IsOpen reports whether err is a circuit-rejection rather than a failure
// of the wrapped call itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
