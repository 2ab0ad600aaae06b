package breaker

import (
	"strings"
	"sync"
	"time"
)

// Strategy is a retry-strategy recommendation. It biases backoff delay and
// attempt count; it never vetoes a retry outright.
type Strategy struct {
	Name string
	// BackoffMultiplier scales the computed retry delay.
	BackoffMultiplier float64
	// MaxAttempts caps the attempt count when >0; 0 leaves the configured
	// limit untouched.
	MaxAttempts int
}

// The built-in strategies. Rate-limit signatures get longer backoff;
// authentication signatures get fewer attempts; everything else retries
// on the standard schedule.
var (
	StrategyStandard        = Strategy{Name: "standard", BackoffMultiplier: 1.0}
	StrategyExtendedBackoff = Strategy{Name: "extended-backoff", BackoffMultiplier: 2.5}
	StrategyReducedAttempts = Strategy{Name: "reduced-attempts", BackoffMultiplier: 1.0, MaxAttempts: 2}
)

var strategiesByName = map[string]Strategy{
	StrategyStandard.Name:        StrategyStandard,
	StrategyExtendedBackoff.Name: StrategyExtendedBackoff,
	StrategyReducedAttempts.Name: StrategyReducedAttempts,
}

// signatureKeywords maps error-signature classes to the keywords that
// identify them in error text. Checked in order; first match wins.
var signatureClasses = []struct {
	signature string
	keywords  []string
}{
	{"rate_limit", []string{"rate limit", "rate-limit", "429", "too many requests", "usage limit", "quota"}},
	{"authentication", []string{"authentication", "unauthorized", "401", "403", "api key", "not logged in", "credential"}},
	{"network", []string{"network", "connection refused", "connection reset", "dns", "no such host", "unreachable", "broken pipe", "econnrefused"}},
	{"timeout", []string{"timeout", "timed out", "deadline exceeded"}},
	{"parse", []string{"parse", "unmarshal", "invalid json", "unexpected end of"}},
	{"oom", []string{"out of memory", "oom", "cannot allocate"}},
}

// Pattern is the recorded history for one normalized error signature.
// Patterns grow monotonically for the process lifetime.
type Pattern struct {
	Signature       string
	OccurrenceCount int
	LastSeen        time.Time
	// strategySuccesses counts, per strategy name, how often a retry using
	// that strategy eventually succeeded for this signature.
	strategySuccesses map[string]int
}

// SuccessfulStrategies returns the strategy names that have succeeded for
// this pattern, for reporting.
func (p *Pattern) SuccessfulStrategies() []string {
	names := make([]string, 0, len(p.strategySuccesses))
	for name, count := range p.strategySuccesses {
		if count > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Detector records failure signatures and recommends retry strategies based
// on what historically worked for each signature.
type Detector struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
	clock    func() time.Time
}

// NewDetector creates an empty failure-pattern detector.
func NewDetector() *Detector {
	return &Detector{
		patterns: make(map[string]*Pattern),
		clock:    time.Now,
	}
}

// Normalize reduces an error to its signature class. Unclassified errors
// share the "generic" signature so sporadic one-off messages do not bloat
// the pattern map.
func Normalize(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, class := range signatureClasses {
		for _, keyword := range class.keywords {
			if strings.Contains(text, keyword) {
				return class.signature
			}
		}
	}
	return "generic"
}

// Observe records one occurrence of the error's signature and returns it.
func (d *Detector) Observe(err error) string {
	sig := Normalize(err)
	if sig == "" {
		return ""
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.patterns[sig]
	if !ok {
		p = &Pattern{Signature: sig, strategySuccesses: make(map[string]int)}
		d.patterns[sig] = p
	}
	p.OccurrenceCount++
	p.LastSeen = d.clock()
	return sig
}

// RecordOutcome notes whether a retry using the named strategy eventually
// succeeded for the signature. Failed outcomes are not counted against a
// strategy; only successes bias future recommendations.
func (d *Detector) RecordOutcome(signature, strategyName string, succeeded bool) {
	if signature == "" || !succeeded {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.patterns[signature]
	if !ok {
		p = &Pattern{Signature: signature, strategySuccesses: make(map[string]int)}
		d.patterns[signature] = p
	}
	p.strategySuccesses[strategyName]++
}

// Recommend returns the retry strategy for the error's signature: the
// historically most successful strategy when one exists, otherwise the
// class default.
func (d *Detector) Recommend(err error) Strategy {
	sig := Normalize(err)
	if sig == "" {
		return StrategyStandard
	}

	d.mu.Lock()
	p, ok := d.patterns[sig]
	if ok && len(p.strategySuccesses) > 0 {
		best, bestCount := "", 0
		for name, count := range p.strategySuccesses {
			if count > bestCount {
				best, bestCount = name, count
			}
		}
		d.mu.Unlock()
		if s, known := strategiesByName[best]; known {
			return s
		}
		return StrategyStandard
	}
	d.mu.Unlock()

	switch sig {
	case "rate_limit":
		return StrategyExtendedBackoff
	case "authentication":
		return StrategyReducedAttempts
	default:
		return StrategyStandard
	}
}

// Snapshot returns a copy of every recorded pattern for reporting.
func (d *Detector) Snapshot() []Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		copied := Pattern{
			Signature:         p.Signature,
			OccurrenceCount:   p.OccurrenceCount,
			LastSeen:          p.LastSeen,
			strategySuccesses: make(map[string]int, len(p.strategySuccesses)),
		}
		for name, count := range p.strategySuccesses {
			copied.strategySuccesses[name] = count
		}
		out = append(out, copied)
	}
	return out
}
