package respcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryLookupAndStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0, 0)
	defer store.Close()

	if _, ok, err := store.Lookup(ctx, "abc"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	want := Entry{Transcript: "hello", Reply: "Hello! How can I help you today?", Audio: []byte{1, 2, 3}}
	if err := store.Store(ctx, "abc", want); err != nil {
		t.Fatalf("store: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, ok, err := store.Lookup(ctx, "abc")
		if err != nil || !ok {
			t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
		}
		if got.Transcript != want.Transcript || got.Reply != want.Reply || !bytes.Equal(got.Audio, want.Audio) {
			t.Fatalf("unexpected entry %+v", got)
		}
	}
}

func TestMemoryOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0, 0)
	_ = store.Store(ctx, "h", Entry{Reply: "first"})
	_ = store.Store(ctx, "h", Entry{Reply: "second"})
	got, _, _ := store.Lookup(ctx, "h")
	if got.Reply != "second" {
		t.Fatalf("expected last write to win, got %q", got.Reply)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Fatalf("expected single entry, got %d", n)
	}
}

func TestMemoryBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(3, 0)
	for _, h := range []string{"a", "b", "c", "d"} {
		if err := store.Store(ctx, h, Entry{Reply: h}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if n, _ := store.Len(ctx); n != 3 {
		t.Fatalf("expected bound of 3, got %d", n)
	}
	if _, ok, _ := store.Lookup(ctx, "a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10, 20*time.Millisecond)
	_ = store.Store(ctx, "h", Entry{Reply: "soon gone"})
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := store.Lookup(ctx, "h"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.ResponseCacheConfig{Driver: "memcached"}, newLogger())
	if !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected invalid driver, got %v", err)
	}
	_, err = Open(context.Background(), config.ResponseCacheConfig{Driver: "redis"}, newLogger())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	prefix := "voice:test:" + uuid.NewString() + ":"
	store, err := Open(ctx, config.ResponseCacheConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr(), KeyPrefix: prefix, TTLMS: 60000}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, ok, err := store.Lookup(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Store(ctx, "h1", Entry{Transcript: "t", Reply: "r", Audio: []byte{0x41, 0x42}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := store.Lookup(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Transcript != "t" || got.Reply != "r" || !bytes.Equal(got.Audio, []byte{0x41, 0x42}) {
		t.Fatalf("unexpected entry %+v", got)
	}
	if ttl := mr.TTL(prefix + "h1"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}

	if err := mr.Set("other:h2", "{}"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n, err := store.Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 prefixed key, got %d err=%v", n, err)
	}

	mr.FastForward(61 * time.Second)
	if _, ok, err := store.Lookup(ctx, "h1"); err != nil || ok {
		t.Fatalf("expected expired entry to miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreReportsCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store, err := Open(ctx, config.ResponseCacheConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr()}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := mr.Set(defaultKeyPrefix+"bad", "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := store.Lookup(ctx, "bad"); err == nil || ok {
		t.Fatalf("expected decode error, got ok=%v err=%v", ok, err)
	}

	mr.Close()
	if _, _, err := store.Lookup(ctx, "h1"); err == nil {
		t.Fatal("expected error once redis is gone")
	}
}
