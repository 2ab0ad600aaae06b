package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrison/testforge/internal/ratelimit"
)

// errorKind classifies stderr text for exit-code mapping.
type errorKind int

const (
	kindGeneric errorKind = iota
	kindAuthentication
	kindRateLimit
	kindNetwork
	kindInvocation
)

// Keyword tables checked against lowercased stderr. Authentication and
// invocation problems are fatal as soon as they appear on the stream;
// the rest only matter once the process has exited non-zero.
var (
	authKeywords = []string{
		"authentication failed",
		"not authenticated",
		"not logged in",
		"invalid api key",
		"api key not found",
		"unauthorized",
		"credential",
		"please run /login",
	}
	invocationKeywords = []string{
		"unknown flag",
		"unknown option",
		"unrecognized argument",
		"invalid argument",
		"usage:",
	}
	rateLimitKeywords = []string{
		"rate limit",
		"rate-limit",
		"too many requests",
		"usage limit",
		"quota exceeded",
		"429",
	}
	networkKeywords = []string{
		"connection refused",
		"connection reset",
		"network error",
		"no such host",
		"dns",
		"unreachable",
		"broken pipe",
		"tls handshake",
	}
)

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// stderrClassifier inspects stderr chunks incrementally so fatal conditions
// kill the subprocess right away instead of waiting out the timeout. It also
// accumulates the full stderr text for exit-code mapping.
type stderrClassifier struct {
	taskID string
	buf    strings.Builder
	fatal  error // first fatal classification, sticky
}

func newStderrClassifier(taskID string) *stderrClassifier {
	return &stderrClassifier{taskID: taskID}
}

// Feed consumes one stderr chunk. It returns a non-nil error when the chunk
// reveals a fatal condition that should terminate the subprocess now.
func (c *stderrClassifier) Feed(chunk string) error {
	c.buf.WriteString(chunk)
	if !strings.HasSuffix(chunk, "\n") {
		c.buf.WriteString("\n")
	}

	if c.fatal != nil {
		return nil // already decided; keep accumulating for the record
	}

	lower := strings.ToLower(chunk)
	switch {
	case containsAny(lower, authKeywords):
		c.fatal = NewAuthenticationError(c.taskID, strings.TrimSpace(chunk))
	case containsAny(lower, invocationKeywords):
		c.fatal = NewTaskError(c.taskID, "malformed CLI invocation", nil)
	default:
		return nil
	}
	return c.fatal
}

// Fatal returns the sticky fatal error, if any chunk produced one.
func (c *stderrClassifier) Fatal() error {
	return c.fatal
}

// Accumulated returns the full stderr text seen so far.
func (c *stderrClassifier) Accumulated() string {
	return c.buf.String()
}

// classifyExit maps a non-zero exit into a typed error. A fatal error
// detected on the stream takes precedence over pattern matching.
func (c *stderrClassifier) classifyExit(exitCode int) error {
	if c.fatal != nil {
		return c.fatal
	}

	stderr := c.Accumulated()
	lower := strings.ToLower(stderr)
	summary := summarizeStderr(stderr)

	switch {
	case containsAny(lower, authKeywords):
		return NewAuthenticationError(c.taskID, summary)
	case containsAny(lower, rateLimitKeywords):
		var resetAt time.Time
		if info := ratelimit.ParseOutput(stderr); info != nil {
			resetAt = info.ResetAt
		}
		return NewRateLimitError(c.taskID, summary, resetAt)
	case containsAny(lower, networkKeywords):
		return NewNetworkError(c.taskID, summary, nil)
	default:
		return NewTaskError(c.taskID, fmt.Sprintf("CLI exited with code %d: %s", exitCode, summary), nil)
	}
}

// summarizeStderr returns the last non-empty stderr line, which is usually
// the actual error message rather than preceding noise.
func summarizeStderr(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no diagnostic output"
}
