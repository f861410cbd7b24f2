package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Typed error kinds surfaced at the request boundary. Remote failures are
// split into transient (retriable) and permanent.
var (
	ErrAuth     = errors.New("remote authentication failed")
	ErrNotFound = errors.New("remote resource not found")
	ErrTimeout  = errors.New("remote deadline exceeded")
)

// RemoteError wraps a failure from the remote host.
type RemoteError struct {
	Transient bool
	Err       error
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("remote error (%s): %v", kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retriable remote failure.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient
}

const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
)

// Retry executes fn with exponential backoff (1s, 2s, 4s) on transient
// remote errors. Permanent errors and context cancellation return
// immediately.
func Retry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !IsTransient(lastErr) {
			return result, lastErr
		}
		if attempt < maxRetries {
			delay := retryBaseDelay * time.Duration(1<<attempt)
			slog.Warn("retrying after transient remote error",
				"operation", operation, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return result, lastErr
}
