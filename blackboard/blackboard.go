// Package blackboard implements the shared coordination substrate for
// multi-agent pipelines: typed artifacts with change events and an audit
// trail, distributed locks, pipeline state, and glob-filtered watches.
//
// Artifacts live under bb:artifact:<key> as JSON envelopes. Every mutation
// publishes an Event on the bb:events channel and appends to the bb:audit
// stream, in that order, after the new value is readable. The audit stream
// is capped by size-hinted truncation.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/cortex/retry"
	"goa.design/cortex/store"
)

const (
	artifactPrefix = "bb:artifact:"
	lockPrefix     = "bb:lock:"
	pipelinePrefix = "bb:pipeline:"
	eventsChannel  = "bb:events"
	auditStream    = "bb:audit"

	// DefaultArtifactTTL applies to writes that do not override it.
	DefaultArtifactTTL = time.Hour

	// AuditCap bounds the audit stream; older entries are dropped.
	AuditCap = 10000
)

type (
	// Options configures a Blackboard.
	Options struct {
		// Store is the backing store. Required.
		Store store.Store
		// Retry overrides the transient-failure retry policy. Zero value
		// means the default policy.
		Retry retry.Config
		// Schemas optionally validates artifact payloads by type on write.
		Schemas *SchemaRegistry
		// WatchBuffer is the per-watch event channel capacity. Defaults
		// to 64.
		WatchBuffer int
	}

	// Blackboard coordinates artifact storage, eventing, locking, and
	// pipeline state on top of a store adapter. Safe for concurrent use.
	Blackboard struct {
		store   store.Store
		retry   retry.Config
		schemas *SchemaRegistry
		buffer  int
		metrics *metrics
		locks   *lockTable
	}

	// HealthStatus is a point-in-time health snapshot.
	HealthStatus struct {
		Connected bool
		OpsPerSec float64
		Error     string
	}
)

// New validates opts and returns a ready Blackboard.
func New(opts Options) (*Blackboard, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	rcfg := opts.Retry
	if rcfg.MaxAttempts == 0 {
		rcfg = retry.DefaultConfig()
	}
	buffer := opts.WatchBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Blackboard{
		store:   opts.Store,
		retry:   rcfg,
		schemas: opts.Schemas,
		buffer:  buffer,
		metrics: newMetrics(),
		locks:   newLockTable(),
	}, nil
}

// WriteOption adjusts a single Write call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	ttl      time.Duration
	notify   bool
	producer string
}

// WithTTL sets the artifact expiration. Zero means no expiration.
func WithTTL(ttl time.Duration) WriteOption {
	return func(o *writeOptions) { o.ttl = ttl }
}

// WithoutNotify suppresses the change event and audit entry for this write.
func WithoutNotify() WriteOption {
	return func(o *writeOptions) { o.notify = false }
}

// WithProducer records the identity of the writing agent in the envelope.
func WithProducer(producer string) WriteOption {
	return func(o *writeOptions) { o.producer = producer }
}

// Write stores value as a typed artifact at key. The value is JSON-encoded
// into the envelope; the write then publishes a change event and appends to
// the audit stream unless notified off. Default TTL is one hour.
func (b *Blackboard) Write(ctx context.Context, key string, value any, typ ArtifactType, opts ...WriteOption) error {
	if !typ.Valid() {
		return &SerializationError{Key: key, Err: errors.New("unknown artifact type " + string(typ))}
	}
	wo := writeOptions{ttl: DefaultArtifactTTL, notify: true}
	for _, opt := range opts {
		opt(&wo)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return &SerializationError{Key: key, Err: err}
	}
	if b.schemas != nil {
		if err := b.schemas.Validate(typ, data); err != nil {
			return &SerializationError{Key: key, Err: err}
		}
	}
	now := time.Now()
	raw, err := encodeEnvelope(typ, data, wo.producer, now)
	if err != nil {
		return &SerializationError{Key: key, Err: err}
	}
	err = retry.Do(ctx, b.retry, "blackboard write", func(ctx context.Context) error {
		return b.store.Set(ctx, artifactPrefix+key, raw, wo.ttl)
	})
	if err != nil {
		return err
	}
	b.metrics.writes.Add(ctx, 1)
	log.Debug(ctx, log.KV{K: "msg", V: "artifact written"}, log.KV{K: "key", V: key}, log.KV{K: "type", V: string(typ)})
	if wo.notify {
		b.announce(ctx, Event{Key: key, Action: ActionWrite, Timestamp: now, Type: typ})
	}
	return nil
}

// Read returns the artifact at key, or (nil, nil) when absent. Stored bytes
// that cannot be decoded surface as CorruptArtifactError.
func (b *Blackboard) Read(ctx context.Context, key string) (*Artifact, error) {
	var raw []byte
	err := retry.Do(ctx, b.retry, "blackboard read", func(ctx context.Context) error {
		var err error
		raw, err = b.store.Get(ctx, artifactPrefix+key)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	b.metrics.reads.Add(ctx, 1)
	art, err := decodeEnvelope(key, raw)
	if err != nil {
		log.Errorf(ctx, err, "decode artifact %q", key)
		return nil, err
	}
	return art, nil
}

// Delete removes the artifact at key. Reports whether a live artifact was
// removed; deletion of a present key publishes an event and audit entry.
func (b *Blackboard) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := retry.Do(ctx, b.retry, "blackboard delete", func(ctx context.Context) error {
		var err error
		deleted, err = b.store.Del(ctx, artifactPrefix+key)
		return err
	})
	if err != nil {
		return false, err
	}
	if deleted {
		b.metrics.deletes.Add(ctx, 1)
		b.announce(ctx, Event{Key: key, Action: ActionDelete, Timestamp: time.Now()})
	}
	return deleted, nil
}

// List returns the keys of live artifacts matching the glob pattern.
func (b *Blackboard) List(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var raw []string
	err := retry.Do(ctx, b.retry, "blackboard list", func(ctx context.Context) error {
		var err error
		raw, err = b.store.Keys(ctx, artifactPrefix+pattern)
		return err
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, artifactPrefix))
	}
	return keys, nil
}

// announce publishes the change event and appends the audit entry. Both run
// after the artifact mutation committed so a subscriber never observes an
// event for a value it cannot read. Failures here are logged, not surfaced:
// the mutation already succeeded.
func (b *Blackboard) announce(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Errorf(ctx, err, "encode event for %q", evt.Key)
		return
	}
	if err := b.store.Publish(ctx, eventsChannel, payload); err != nil {
		log.Errorf(ctx, err, "publish event for %q", evt.Key)
	} else {
		b.metrics.events.Add(ctx, 1)
	}
	fields := map[string]string{
		"key":       evt.Key,
		"action":    string(evt.Action),
		"timestamp": formatUnixSeconds(evt.Timestamp),
	}
	if evt.Type != "" {
		fields["type"] = string(evt.Type)
	}
	if _, err := b.store.StreamAppend(ctx, auditStream, fields, AuditCap); err != nil {
		log.Errorf(ctx, err, "append audit entry for %q", evt.Key)
	}
}

// AuditEntry is one record of the audit stream.
type AuditEntry struct {
	ID        string
	Key       string
	Action    Action
	Timestamp time.Time
	Type      ArtifactType
}

// GetHistory returns up to limit audit entries, newest first. A limit of
// zero or less defaults to 100.
func (b *Blackboard) GetHistory(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var raw []store.StreamEntry
	err := retry.Do(ctx, b.retry, "blackboard history", func(ctx context.Context) error {
		var err error
		raw, err = b.store.StreamRangeReverse(ctx, auditStream, int64(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, AuditEntry{
			ID:        e.ID,
			Key:       e.Fields["key"],
			Action:    Action(e.Fields["action"]),
			Timestamp: parseUnixSeconds(e.Fields["timestamp"]),
			Type:      ArtifactType(e.Fields["type"]),
		})
	}
	return entries, nil
}

// Health reports store connectivity and throughput.
func (b *Blackboard) Health(ctx context.Context) HealthStatus {
	if err := b.store.Ping(ctx); err != nil {
		return HealthStatus{Connected: false, Error: err.Error()}
	}
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return HealthStatus{Connected: true, Error: err.Error()}
	}
	return HealthStatus{Connected: true, OpsPerSec: stats.OpsPerSec}
}
