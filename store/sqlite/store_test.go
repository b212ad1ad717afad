package sqlite

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"goa.design/cortex/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		Path:         filepath.Join(t.TempDir(), "store.db"),
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("expected %q, got %q", "v", got)
	}

	// Overwrite.
	if err := s.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, _ = s.Get(ctx, "k")
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("expected %q, got %q", "v2", got)
	}
}

func TestGetAbsent(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock", []byte("a"), time.Minute)
	if err != nil {
		t.Fatalf("set-if-absent failed: %v", err)
	}
	if !ok {
		t.Fatal("first put should succeed")
	}

	ok, err = s.SetIfAbsent(ctx, "lock", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("set-if-absent failed: %v", err)
	}
	if ok {
		t.Fatal("live key must block the put")
	}
	got, _ := s.Get(ctx, "lock")
	if !bytes.Equal(got, []byte("a")) {
		t.Errorf("value should be unchanged, got %q", got)
	}
}

func TestSetIfAbsentReclaimsExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.SetIfAbsent(ctx, "lock", []byte("a"), 20*time.Millisecond); err != nil {
		t.Fatalf("set-if-absent failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	ok, err := s.SetIfAbsent(ctx, "lock", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("set-if-absent failed: %v", err)
	}
	if !ok {
		t.Fatal("expired key should be reclaimed")
	}
	got, _ := s.Get(ctx, "lock")
	if !bytes.Equal(got, []byte("b")) {
		t.Errorf("expected reclaimed value, got %q", got)
	}
}

func TestCompareAndDel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "lock", []byte("token"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ok, err := s.CompareAndDel(ctx, "lock", []byte("wrong"))
	if err != nil {
		t.Fatalf("compare-and-del failed: %v", err)
	}
	if ok {
		t.Fatal("mismatched value must not delete")
	}
	ok, err = s.CompareAndDel(ctx, "lock", []byte("token"))
	if err != nil {
		t.Fatalf("compare-and-del failed: %v", err)
	}
	if !ok {
		t.Fatal("matching value should delete")
	}
	if _, err := s.Get(ctx, "lock"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("key should be gone")
	}
}

func TestDel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ok, err := s.Del(ctx, "k")
	if err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if !ok {
		t.Fatal("deleting a live key should report true")
	}
	ok, err = s.Del(ctx, "k")
	if err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if ok {
		t.Fatal("deleting an absent key should report false")
	}
}

func TestDelRemovesHash(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.HashSet(ctx, "h", map[string]string{"f": "v"}, 0); err != nil {
		t.Fatalf("hash-set failed: %v", err)
	}
	ok, err := s.Del(ctx, "h")
	if err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if !ok {
		t.Fatal("deleting a live hash should report true")
	}
	fields, err := s.HashGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hash-get-all failed: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("hash should be gone, got %v", fields)
	}
}

func TestKeysGlob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, k := range []string{"task:1", "task:2", "plan:1"} {
		if err := s.Set(ctx, k, []byte("v"), 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	keys, err := s.Keys(ctx, "task:*")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestHashRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.HashSet(ctx, "h", map[string]string{"step": "1", "status": "running"}, 0); err != nil {
		t.Fatalf("hash-set failed: %v", err)
	}
	// Partial update keeps untouched fields.
	if err := s.HashSet(ctx, "h", map[string]string{"step": "2"}, 0); err != nil {
		t.Fatalf("hash-set failed: %v", err)
	}
	fields, err := s.HashGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hash-get-all failed: %v", err)
	}
	if fields["step"] != "2" || fields["status"] != "running" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestStreamAppendCapped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.StreamAppend(ctx, "audit", map[string]string{"n": string(rune('0' + i))}, 5); err != nil {
			t.Fatalf("stream-append failed: %v", err)
		}
	}
	entries, err := s.StreamRangeReverse(ctx, "audit", 100)
	if err != nil {
		t.Fatalf("stream-range failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries after truncation, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Fields["n"] != "9" {
		t.Errorf("expected newest entry first, got %v", entries[0].Fields)
	}
}

func TestPubSub(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Published before subscribing; must not be replayed.
	if err := s.Publish(ctx, "events", []byte("old")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	sub, err := s.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "events", []byte("new")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if !bytes.Equal(msg.Payload, []byte("new")) {
			t.Errorf("expected %q, got %q", "new", msg.Payload)
		}
		if msg.Channel != "events" {
			t.Errorf("expected channel %q, got %q", "events", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected extra message: %q", msg.Payload)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSubscribeCloseEndsChannel(t *testing.T) {
	s := newStore(t)
	sub, err := s.Subscribe(context.Background(), "events")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("message channel not closed")
	}
}

func TestPing(t *testing.T) {
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if s.Name() == "" {
		t.Error("pinger name should be set")
	}
}

func TestStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.Set(ctx, "k", []byte("v"), 0)
	}
	time.Sleep(10 * time.Millisecond)
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.OpsPerSec <= 0 {
		t.Errorf("expected positive ops rate, got %f", stats.OpsPerSec)
	}
}
