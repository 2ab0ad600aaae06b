// Package ratelimit parses rate-limit diagnostics from AI CLI output and
// waits out the advertised reset window.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Info contains parsed rate-limit details from subprocess output.
type Info struct {
	DetectedAt  time.Time
	ResetAt     time.Time // When the limit resets; zero if unknown
	WaitSeconds int64
	RawMessage  string
}

// TimeUntilReset calculates the duration until the rate limit resets.
func (i *Info) TimeUntilReset() time.Duration {
	if i.ResetAt.IsZero() {
		return 0
	}
	return time.Until(i.ResetAt)
}

// IsExpired checks whether the advertised reset time has already passed.
func (i *Info) IsExpired() bool {
	if i.ResetAt.IsZero() {
		return true
	}
	return time.Now().After(i.ResetAt)
}

var (
	// "usage limit reached|<unix_timestamp>"
	unixTimestampPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

	// "retry in 300 seconds" / "retry after 300s"
	retrySecondsPattern = regexp.MustCompile(`retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)`)

	// Generic rate-limit indicators.
	rateLimitIndicator = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|429|too.?many.?requests|quota)`)
)

// ParseOutput extracts rate-limit info from CLI stdout/stderr. Returns nil
// when the output does not look like a rate-limit message. A recognized
// message without a parseable reset time yields an Info with zero ResetAt;
// callers fall back to their own backoff in that case.
func ParseOutput(output string) *Info {
	if output == "" || !rateLimitIndicator.MatchString(output) {
		return nil
	}

	info := &Info{
		DetectedAt: time.Now(),
		RawMessage: strings.TrimSpace(output),
	}

	if matches := unixTimestampPattern.FindStringSubmatch(output); len(matches) > 1 {
		if ts, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			info.WaitSeconds = ts - time.Now().Unix()
			return info
		}
	}

	if matches := retrySecondsPattern.FindStringSubmatch(strings.ToLower(output)); len(matches) > 1 {
		if secs, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.WaitSeconds = secs
			info.ResetAt = time.Now().Add(time.Duration(secs) * time.Second)
			return info
		}
	}

	return info
}
