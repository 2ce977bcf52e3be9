// Package ttscache fronts a speech synthesizer with a bounded FIFO cache and
// collapses concurrent identical requests into a single upstream call.
package ttscache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/singleflight"
)

const DefaultSize = 100

// Key identifies one synthesized utterance.
type Key struct {
	Text     string
	Language string
}

// NewKey collapses runs of whitespace so that trivially different spellings
// of the same reply share an entry. Case is preserved.
func NewKey(text, language string) Key {
	return Key{Text: strings.Join(strings.Fields(text), " "), Language: language}
}

func (k Key) String() string {
	return k.Language + "\x00" + k.Text
}

func (k Key) pinned() Key {
	return Key{Text: strings.ToLower(k.Text), Language: k.Language}
}

type Stats struct {
	Entries   int
	Pinned    int
	Hits      uint64
	Misses    uint64
	Upstream  uint64
	Coalesced uint64
}

// Cache is safe for concurrent use. Returned slices are shared between
// callers and must not be modified.
type Cache struct {
	synth  tts.Synthesizer
	logger *slog.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[Key, []byte]
	pinned  map[Key][]byte

	flights singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	upstream  atomic.Uint64
	coalesced atomic.Uint64
}

func New(synth tts.Synthesizer, size int, logger *slog.Logger) (*Cache, error) {
	if synth == nil {
		return nil, fmt.Errorf("ttscache: synthesizer is required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		synth:  synth,
		logger: logger.With(slog.String("component", "tts-cache")),
		pinned: make(map[Key][]byte),
	}
	entries, err := simplelru.NewLRU[Key, []byte](size, func(key Key, _ []byte) {
		c.logger.Debug("evicted tts entry", slog.String("language", key.Language), slog.Int("text_len", len(key.Text)))
	})
	if err != nil {
		return nil, fmt.Errorf("ttscache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Synthesize returns audio for text in language, consulting the cache and
// joining any identical request already in flight.
func (c *Cache) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	key := NewKey(text, language)
	if audio, ok := c.get(key); ok {
		c.hits.Add(1)
		return audio, nil
	}
	c.misses.Add(1)
	return c.await(ctx, key)
}

// Warm synthesizes phrases ahead of time into a pinned set that the FIFO
// bound does not evict. Phrases already cached are promoted without an
// upstream call, and a live request for the same key is joined rather than
// repeated. Failures are logged and skipped.
func (c *Cache) Warm(ctx context.Context, phrases []string, language string) int {
	warmed := 0
	for _, phrase := range phrases {
		if ctx.Err() != nil {
			break
		}
		key := NewKey(phrase, language)
		if key.Text == "" {
			continue
		}
		audio, ok := c.get(key)
		if !ok {
			var err error
			if audio, err = c.await(ctx, key); err != nil {
				c.logger.Warn("tts prewarm failed", slog.String("phrase", phrase), slog.String("error", err.Error()))
				continue
			}
		}
		c.pin(key, audio)
		warmed++
	}
	c.logger.Info("tts prewarm finished", slog.Int("phrases", warmed))
	return warmed
}

func (c *Cache) await(ctx context.Context, key Key) ([]byte, error) {
	ch := c.flights.DoChan(key.String(), func() (interface{}, error) {
		// A flight that finished between our cache miss and joining would
		// already have stored the result.
		if audio, ok := c.get(key); ok {
			return audio, nil
		}
		c.upstream.Add(1)
		// Waiters may leave early; the call itself must not die with the
		// first caller's context.
		audio, err := c.synth.Synthesize(context.WithoutCancel(ctx), tts.Request{Text: key.Text, Language: key.Language})
		if err != nil {
			return nil, err
		}
		c.put(key, audio)
		return audio, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if audio, ok := c.pinned[key.pinned()]; ok {
		return audio, true
	}
	// Peek leaves insertion order untouched so eviction stays FIFO.
	return c.entries.Peek(key)
}

func (c *Cache) put(key Key, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Contains(key) {
		return
	}
	c.entries.Add(key, audio)
}

func (c *Cache) pin(key Key, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[key.pinned()] = audio
}

// Contains reports whether key is cached without affecting eviction order.
func (c *Cache) Contains(text, language string) bool {
	_, ok := c.get(NewKey(text, language))
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, pinned := c.entries.Len(), len(c.pinned)
	c.mu.Unlock()
	return Stats{
		Entries:   entries,
		Pinned:    pinned,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Upstream:  c.upstream.Load(),
		Coalesced: c.coalesced.Load(),
	}
}

// Purge drops every cached and pinned entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.pinned = make(map[Key][]byte)
}
