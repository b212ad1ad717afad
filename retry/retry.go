// Package retry applies the module-wide policy for transient store
// failures: up to three attempts with linearly increasing delay. Errors
// that are not transient are returned unchanged on the first failure.
package retry

import (
	"context"
	"fmt"
	"time"

	"goa.design/cortex/store"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// DelayStep is the base delay; attempt n waits n * DelayStep before
	// retrying.
	DelayStep time.Duration
}

// DefaultConfig returns the standard policy: three attempts with delays of
// 0.5s, 1.0s and 1.5s between them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		DelayStep:   500 * time.Millisecond,
	}
}

// ExhaustedError is returned when every attempt failed with a transient
// error. It unwraps to the last error observed.
type ExhaustedError struct {
	// Op identifies the operation that was retried.
	Op string
	// Attempts is the number of attempts made.
	Attempts int
	// LastError is the error from the final attempt.
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: exhausted %d attempts: %v", e.Op, e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn, retrying transient failures per cfg. Non-transient errors are
// returned as-is without further attempts. Context cancellation aborts the
// wait between attempts.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * cfg.DelayStep):
		}
	}
	return &ExhaustedError{Op: op, Attempts: cfg.MaxAttempts, LastError: lastErr}
}
