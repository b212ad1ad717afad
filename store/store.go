// Package store defines the backing-store contract shared by the blackboard
// and its backends. The rest of the module depends only on this interface;
// concrete implementations live in the redis and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/health"
)

type (
	// Store abstracts the primitives the blackboard needs from its backing
	// store: plain keys, conditional puts, hashes with expiry, capped
	// streams, and pub/sub. All methods are safe for concurrent use.
	Store interface {
		health.Pinger

		// Get returns the value stored at key. Returns ErrNotFound when
		// the key is absent or expired.
		Get(ctx context.Context, key string) ([]byte, error)

		// Set stores value at key. A ttl of zero means no expiration.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

		// SetIfAbsent stores value at key only when the key does not
		// already hold a live value. Reports whether the put happened.
		// This is the conditional-put primitive used for locks.
		SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

		// Del removes key and reports whether it held a live value.
		Del(ctx context.Context, key string) (bool, error)

		// CompareAndDel removes key only when it currently holds expect.
		// Used for token-guarded lock release.
		CompareAndDel(ctx context.Context, key string, expect []byte) (bool, error)

		// Keys lists live keys matching a glob pattern (* wildcard).
		Keys(ctx context.Context, pattern string) ([]string, error)

		// HashSet merges fields into the hash at key and refreshes its
		// expiry. A ttl of zero leaves the hash without expiration.
		HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

		// HashGetAll returns all fields of the hash at key. An absent
		// hash yields an empty map, not an error.
		HashGetAll(ctx context.Context, key string) (map[string]string, error)

		// StreamAppend appends fields to the named stream, trimming it to
		// approximately maxLen entries when maxLen > 0. Returns the entry id.
		StreamAppend(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)

		// StreamRangeReverse returns up to limit entries from the stream,
		// newest first.
		StreamRangeReverse(ctx context.Context, stream string, limit int64) ([]StreamEntry, error)

		// Publish sends payload to every subscriber of channel.
		Publish(ctx context.Context, channel string, payload []byte) error

		// Subscribe opens a dedicated subscription to channel. Each
		// subscription owns its own transport resources so a slow
		// consumer never blocks another. Close releases them.
		Subscribe(ctx context.Context, channel string) (Subscription, error)

		// Stats returns a point-in-time operational snapshot.
		Stats(ctx context.Context) (Stats, error)

		// Close releases all store resources.
		Close() error
	}

	// Subscription is a live pub/sub feed. Messages delivers at-least-once;
	// consumers must tolerate duplicates and messages in flight during a
	// transport loss may be dropped.
	Subscription interface {
		// Messages is closed when the subscription is closed.
		Messages() <-chan Message
		Close() error
	}

	// Message is one pub/sub delivery.
	Message struct {
		Channel string
		Payload []byte
	}

	// StreamEntry is one entry of a capped stream.
	StreamEntry struct {
		ID     string
		Fields map[string]string
	}

	// Stats is a point-in-time snapshot of store activity.
	Stats struct {
		OpsPerSec float64
	}
)

// ErrNotFound reports an absent or expired key.
var ErrNotFound = errors.New("key not found")

// TransientError wraps a store failure that is expected to clear on retry,
// such as a connectivity hiccup. The retry package inspects it via
// IsTransient.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for operation op. Returns nil when
// err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Classify wraps err as transient unless it reflects caller cancellation.
// Context cancellation and deadline expiry are never retried.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return Transient(op, err)
}
