package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// TestIsRetryable_NilError checks that a nil error is never retryable.
func TestIsRetryable_NilError(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("expected nil error to be non-retryable")
	}
}

// TestIsRetryable_ContextErrors checks that cancellation is never retryable.
func TestIsRetryable_ContextErrors(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("expected context.Canceled to be non-retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("expected context.DeadlineExceeded to be non-retryable")
	}
	if IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)) {
		t.Error("expected wrapped context.Canceled to be non-retryable")
	}
}

// TestIsRetryable_NetworkError checks that a net.Error is retryable.
func TestIsRetryable_NetworkError(t *testing.T) {
	err := &net.DNSError{Err: "no such host", IsTemporary: true}
	if !IsRetryable(err) {
		t.Error("expected net.Error to be retryable")
	}
}

// TestIsRetryable_StatusCodes checks retryable vs. permanent status codes
// embedded in an error's message, the shape SDK errors in this module use.
func TestIsRetryable_StatusCodes(t *testing.T) {
	cases := []struct {
		msg       string
		retryable bool
	}{
		{"openai: chat completion: status code: 429, message: rate limited", true},
		{"openai: chat completion: status code: 500, message: internal error", true},
		{"openai: chat completion: status code: 503, message: service unavailable", true},
		{"openai: chat completion: status code: 400, message: invalid request", false},
		{"openai: chat completion: status code: 401, message: invalid api key", false},
		{"openai: chat completion: status code: 404, message: model not found", false},
		{"some unrelated error with no status code", false},
	}
	for _, c := range cases {
		if got := IsRetryable(errors.New(c.msg)); got != c.retryable {
			t.Errorf("IsRetryable(%q) = %v, want %v", c.msg, got, c.retryable)
		}
	}
}

// TestRetryDelay_Doubles checks that the backoff delay doubles every attempt.
func TestRetryDelay_Doubles(t *testing.T) {
	base := time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, w := range want {
		if got := RetryDelay(base, attempt); got != w {
			t.Errorf("RetryDelay(%v, %d) = %v, want %v", base, attempt, got, w)
		}
	}
}
