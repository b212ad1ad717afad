// Package redis implements the networked store on go-redis. Pub/sub uses a
// dedicated connection per subscription; go-redis re-subscribes automatically
// after a transport loss, so deliveries resume from the reconnect onward.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/cortex/store"
)

const clientName = "store-redis"

// Options configures the Redis-backed store.
type Options struct {
	// Client is the shared go-redis client. Required. Callers size its
	// connection pool; subscriptions use dedicated connections managed by
	// go-redis outside the pool.
	Client *goredis.Client
}

// Store is the Redis-backed store.Store implementation.
type Store struct {
	rdb *goredis.Client
}

var _ store.Store = (*Store)(nil)

// New returns a store backed by the provided Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{rdb: opts.Client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, store.Classify("get", err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return store.Classify("set", s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, store.Classify("setnx", err)
	}
	return ok, nil
}

func (s *Store) Del(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, store.Classify("del", err)
	}
	return n > 0, nil
}

// compareAndDel deletes key only when it holds the expected value. Runs as a
// Lua script so the compare and the delete are one atomic step on the server.
var compareAndDel = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *Store) CompareAndDel(ctx context.Context, key string, expect []byte) (bool, error) {
	n, err := compareAndDel.Run(ctx, s.rdb, []string{key}, expect).Int()
	if err != nil {
		return false, store.Classify("compare-and-del", err)
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, store.Classify("scan", err)
	}
	return keys, nil
}

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return store.Classify("hset", err)
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, store.Classify("hgetall", err)
	}
	return fields, nil
}

func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for f, v := range fields {
		values[f] = v
	}
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", store.Classify("xadd", err)
	}
	return id, nil
}

func (s *Store) StreamRangeReverse(ctx context.Context, stream string, limit int64) ([]store.StreamEntry, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", limit).Result()
	if err != nil {
		return nil, store.Classify("xrevrange", err)
	}
	entries := make([]store.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for f, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[f] = sv
			}
		}
		entries = append(entries, store.StreamEntry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return store.Classify("publish", s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the initial subscription so a dead server fails here rather
	// than silently on the first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, store.Classify("subscribe", err)
	}
	sub := &subscription{
		ps:  ps,
		out: make(chan store.Message, 64),
	}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps  *goredis.PubSub
	out chan store.Message
}

func (s *subscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- store.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *subscription) Messages() <-chan store.Message { return s.out }

func (s *subscription) Close() error { return s.ps.Close() }

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	info, err := s.rdb.Info(ctx, "stats").Result()
	if err != nil {
		return store.Stats{}, store.Classify("info", err)
	}
	return store.Stats{OpsPerSec: parseOpsPerSec(info)}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// parseOpsPerSec extracts instantaneous_ops_per_sec from an INFO stats block.
func parseOpsPerSec(info string) float64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "instantaneous_ops_per_sec:"); ok {
			ops, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err == nil {
				return ops
			}
		}
	}
	return 0
}
