package blackboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

const (
	// DefaultLockTTL is the lock expiration applied when not overridden.
	DefaultLockTTL = 5 * time.Second

	// DefaultBlockingTimeout bounds a blocking acquisition.
	DefaultBlockingTimeout = 10 * time.Second

	lockPollInitial = 10 * time.Millisecond
	lockPollMax     = time.Second
)

// ErrLockTimeout reports a blocking acquisition that exhausted its budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockOption adjusts a single lock acquisition.
type LockOption func(*lockOptions)

type lockOptions struct {
	ttl             time.Duration
	blocking        bool
	blockingTimeout time.Duration
}

// WithLockTTL sets the lock auto-expiration. The lock becomes acquirable
// again no later than the TTL after acquisition even if the holder crashes.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(o *lockOptions) { o.ttl = ttl }
}

// Blocking makes the acquisition poll with exponential backoff until the
// lock is free or timeout elapses, failing with ErrLockTimeout.
func Blocking(timeout time.Duration) LockOption {
	return func(o *lockOptions) {
		o.blocking = true
		if timeout > 0 {
			o.blockingTimeout = timeout
		}
	}
}

// lockTable remembers the token stored for each resource this instance
// holds, enabling token-guarded release.
type lockTable struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newLockTable() *lockTable {
	return &lockTable{tokens: make(map[string]string)}
}

func (t *lockTable) put(resource, token string) {
	t.mu.Lock()
	t.tokens[resource] = token
	t.mu.Unlock()
}

func (t *lockTable) take(resource string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.tokens[resource]
	if ok {
		delete(t.tokens, resource)
	}
	return token, ok
}

// AcquireLock attempts to take the distributed lock for resource. The
// non-blocking form makes a single conditional put and reports the outcome.
// With Blocking, the attempt polls with backoff starting at 10ms, doubling
// up to 1s, until the timeout elapses; exhaustion returns ErrLockTimeout.
//
// Each acquisition stores a unique token so only the holder's release can
// remove the marker. Locks auto-expire after their TTL, so a crashed holder
// cannot deadlock other agents.
func (b *Blackboard) AcquireLock(ctx context.Context, resource string, opts ...LockOption) (bool, error) {
	lo := lockOptions{ttl: DefaultLockTTL, blockingTimeout: DefaultBlockingTimeout}
	for _, opt := range opts {
		opt(&lo)
	}
	token := uuid.New().String()
	key := lockPrefix + resource

	acquired, err := b.store.SetIfAbsent(ctx, key, []byte(token), lo.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		b.locks.put(resource, token)
		b.metrics.lockAcquired.Add(ctx, 1)
		return true, nil
	}
	if !lo.blocking {
		return false, nil
	}

	deadline := time.Now().Add(lo.blockingTimeout)
	backoff := lockPollInitial
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.metrics.lockTimeouts.Add(ctx, 1)
			return false, ErrLockTimeout
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
		acquired, err := b.store.SetIfAbsent(ctx, key, []byte(token), lo.ttl)
		if err != nil {
			return false, err
		}
		if acquired {
			b.locks.put(resource, token)
			b.metrics.lockAcquired.Add(ctx, 1)
			return true, nil
		}
		backoff *= 2
		if backoff > lockPollMax {
			backoff = lockPollMax
		}
	}
}

// ReleaseLock releases the lock on resource if this instance holds it.
// Release is token-guarded: a holder whose lock already expired cannot
// remove a successor's marker. Reports whether the marker was removed.
func (b *Blackboard) ReleaseLock(ctx context.Context, resource string) (bool, error) {
	token, ok := b.locks.take(resource)
	if !ok {
		return false, nil
	}
	return b.store.CompareAndDel(ctx, lockPrefix+resource, []byte(token))
}

// WithLock runs fn while holding the lock on resource, releasing it on
// every exit path including panics. Acquisition is blocking with the
// configured timeout unless overridden through opts.
func (b *Blackboard) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error, opts ...LockOption) error {
	opts = append([]LockOption{Blocking(0)}, opts...)
	acquired, err := b.AcquireLock(ctx, resource, opts...)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockTimeout
	}
	defer func() {
		if _, err := b.ReleaseLock(ctx, resource); err != nil {
			log.Errorf(ctx, err, "release lock %q", resource)
		}
	}()
	return fn(ctx)
}
