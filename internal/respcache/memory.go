package respcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryStore struct {
	entries *expirable.LRU[string, Entry]
}

// NewMemory returns an in-process store bounded to maxEntries (0 means
// unbounded) whose entries expire after ttl. A ttl of zero disables expiry.
func NewMemory(maxEntries int, ttl time.Duration) Store {
	if maxEntries < 0 {
		maxEntries = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return &memoryStore{entries: expirable.NewLRU[string, Entry](maxEntries, nil, ttl)}
}

func (m *memoryStore) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	entry, ok := m.entries.Get(hash)
	return entry, ok, nil
}

func (m *memoryStore) Store(ctx context.Context, hash string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.entries.Add(hash, entry)
	return nil
}

func (m *memoryStore) Len(context.Context) (int, error) {
	return m.entries.Len(), nil
}

func (m *memoryStore) Close() error {
	m.entries.Purge()
	return nil
}
