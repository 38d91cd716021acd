package llm

import (
	"context"
	"errors"
	"net"
	"regexp"
	"time"
)

// DefaultRetryAttempts and DefaultRetryBaseDelay bound the retry-with-backoff
// behaviour every adapter applies to transient upstream failures: up to
// three attempts total, starting at a one second delay and doubling.
const (
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second
)

// retryableStatus matches an HTTP status code embedded in an error's
// message, which is how the provider SDKs castwire wraps surface API
// errors (e.g. "... status code: 429 ..."). 429 (rate limited) and any 5xx
// (upstream fault) are transient; anything else — bad request, auth
// failure, unknown model — is permanent and must not be retried.
var retryableStatus = regexp.MustCompile(`\b(429|5\d\d)\b`)

// IsRetryable reports whether err looks like a transient failure — a 429, a
// 5xx, or a network-level error — worth retrying against the same provider
// rather than failing the operation immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return retryableStatus.MatchString(err.Error())
}

// RetryDelay returns the exponential backoff delay for the given zero-based
// attempt number, starting at base and doubling every attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<attempt)
}
