// Package sqlite implements the embedded store on a pooled SQLite database.
// Pub/sub is emulated: Publish appends to a change table that subscriptions
// poll, so consumers see the same contract as the networked store at polling
// latency. Key expiry is lazy; expired rows are filtered on read and
// reclaimed on write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"goa.design/cortex/store"
)

const (
	clientName = "store-sqlite"

	// DefaultPollInterval is how often subscriptions check the change table.
	DefaultPollInterval = 50 * time.Millisecond

	// changeRetention bounds how long published messages stay queryable.
	changeRetention = time.Minute
)

// Options configures the embedded store.
type Options struct {
	// Path is the database file path. Required. Use a shared file, not
	// ":memory:": the pooled connections of an in-memory database would
	// each see a private database.
	Path string
	// MaxConns caps the connection pool. Defaults to 4.
	MaxConns int
	// PollInterval overrides the subscription polling cadence.
	PollInterval time.Duration
}

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	db   *sql.DB
	poll time.Duration
	ops  atomic.Int64

	mu        sync.Mutex
	lastOps   int64
	lastStats time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS blackboard_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS blackboard_hash (
	key        TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS stream_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	stream     TEXT NOT NULL,
	fields     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_entries ON stream_entries(stream, seq);
CREATE TABLE IF NOT EXISTS channel_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channel_log ON channel_log(channel, seq);
`

// New opens (or creates) the database at opts.Path and prepares the schema.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", url.PathEscape(opts.Path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	return &Store{
		db:        db,
		poll:      poll,
		lastStats: time.Now(),
		closeCh:   make(chan struct{}),
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// expiresAt converts a ttl to an absolute millisecond deadline, nil for no
// expiration.
func expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return nowMillis() + ttl.Milliseconds()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.ops.Add(1)
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM blackboard_kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMillis(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Classify("get", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.ops.Add(1)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blackboard_kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt(ttl),
	)
	return store.Classify("set", err)
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.ops.Add(1)
	// The conflict clause only fires for rows whose expiry has passed, so a
	// live key blocks the put while an expired one is reclaimed.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blackboard_kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE blackboard_kv.expires_at IS NOT NULL AND blackboard_kv.expires_at <= ?`,
		key, value, expiresAt(ttl), nowMillis(),
	)
	if err != nil {
		return false, store.Classify("set-if-absent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Classify("set-if-absent", err)
	}
	return n > 0, nil
}

func (s *Store) Del(ctx context.Context, key string) (bool, error) {
	s.ops.Add(1)
	now := nowMillis()
	live := false
	var expiry sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM blackboard_kv WHERE key = ? RETURNING expires_at`, key,
	).Scan(&expiry)
	switch {
	case err == nil:
		live = !expiry.Valid || expiry.Int64 > now
	case !errors.Is(err, sql.ErrNoRows):
		return false, store.Classify("del", err)
	}
	// Deletion is type-agnostic on the networked store, so hashes go too.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blackboard_hash WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, now,
	)
	if err != nil {
		return false, store.Classify("del", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		live = true
	}
	return live, nil
}

func (s *Store) CompareAndDel(ctx context.Context, key string, expect []byte) (bool, error) {
	s.ops.Add(1)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blackboard_kv WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, expect, nowMillis(),
	)
	if err != nil {
		return false, store.Classify("compare-and-del", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Classify("compare-and-del", err)
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.ops.Add(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blackboard_kv WHERE key GLOB ? AND (expires_at IS NULL OR expires_at > ?)`,
		pattern, nowMillis(),
	)
	if err != nil {
		return nil, store.Classify("keys", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, store.Classify("keys", err)
		}
		keys = append(keys, key)
	}
	return keys, store.Classify("keys", rows.Err())
}

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	s.ops.Add(1)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Classify("hash-set", err)
	}
	defer tx.Rollback()
	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blackboard_hash (key, field, value, expires_at) VALUES (?, ?, ?, NULL)
			 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
			key, f, v,
		); err != nil {
			return store.Classify("hash-set", err)
		}
	}
	// Expiry applies to the hash as a whole, matching the networked store.
	if _, err := tx.ExecContext(ctx,
		`UPDATE blackboard_hash SET expires_at = ? WHERE key = ?`, expiresAt(ttl), key,
	); err != nil {
		return store.Classify("hash-set", err)
	}
	return store.Classify("hash-set", tx.Commit())
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.ops.Add(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM blackboard_hash WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMillis(),
	)
	if err != nil {
		return nil, store.Classify("hash-get-all", err)
	}
	defer rows.Close()
	fields := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, store.Classify("hash-get-all", err)
		}
		fields[f] = v
	}
	return fields, store.Classify("hash-get-all", rows.Err())
}

func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	s.ops.Add(1)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode stream fields: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", store.Classify("stream-append", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO stream_entries (stream, fields, created_at) VALUES (?, ?, ?)`,
		stream, string(encoded), nowMillis(),
	)
	if err != nil {
		return "", store.Classify("stream-append", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", store.Classify("stream-append", err)
	}
	if maxLen > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stream_entries WHERE stream = ? AND seq <= ? - ?`,
			stream, seq, maxLen,
		); err != nil {
			return "", store.Classify("stream-append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", store.Classify("stream-append", err)
	}
	return strconv.FormatInt(seq, 10), nil
}

func (s *Store) StreamRangeReverse(ctx context.Context, stream string, limit int64) ([]store.StreamEntry, error) {
	s.ops.Add(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, fields FROM stream_entries WHERE stream = ? ORDER BY seq DESC LIMIT ?`,
		stream, limit,
	)
	if err != nil {
		return nil, store.Classify("stream-range", err)
	}
	defer rows.Close()
	var entries []store.StreamEntry
	for rows.Next() {
		var (
			seq     int64
			encoded string
		)
		if err := rows.Scan(&seq, &encoded); err != nil {
			return nil, store.Classify("stream-range", err)
		}
		fields := make(map[string]string)
		if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
			return nil, fmt.Errorf("decode stream fields: %w", err)
		}
		entries = append(entries, store.StreamEntry{ID: strconv.FormatInt(seq, 10), Fields: fields})
	}
	return entries, store.Classify("stream-range", rows.Err())
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	s.ops.Add(1)
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_log (channel, payload, created_at) VALUES (?, ?, ?)`,
		channel, payload, now,
	); err != nil {
		return store.Classify("publish", err)
	}
	// Opportunistic pruning keeps the change table bounded.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM channel_log WHERE created_at < ?`, now-changeRetention.Milliseconds(),
	)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	s.ops.Add(1)
	// New subscriptions start after the latest published message, matching
	// pub/sub semantics: no replay of history.
	var cursor sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM channel_log WHERE channel = ?`, channel,
	).Scan(&cursor); err != nil {
		return nil, store.Classify("subscribe", err)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:   s,
		channel: channel,
		cursor:  cursor.Int64,
		out:     make(chan store.Message, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.pump(subCtx)
	return sub, nil
}

type subscription struct {
	store   *Store
	channel string
	cursor  int64
	out     chan store.Message
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	defer close(s.done)
	ticker := time.NewTicker(s.store.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.store.closeCh:
			return
		case <-ticker.C:
			if !s.drain(ctx) {
				return
			}
		}
	}
}

// drain delivers all messages past the cursor. Returns false when the
// subscription context is done.
func (s *subscription) drain(ctx context.Context) bool {
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT seq, payload FROM channel_log WHERE channel = ? AND seq > ? ORDER BY seq`,
		s.channel, s.cursor,
	)
	if err != nil {
		return ctx.Err() == nil
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return true
		}
		select {
		case s.out <- store.Message{Channel: s.channel, Payload: payload}:
			s.cursor = seq
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *subscription) Messages() <-chan store.Message { return s.out }

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Stats reports the operation rate since the previous Stats call.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	total := s.ops.Load()
	elapsed := now.Sub(s.lastStats).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(total-s.lastOps) / elapsed
	}
	s.lastOps = total
	s.lastStats = now
	return store.Stats{OpsPerSec: rate}, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
