// Package respcache maps audio content hashes to fully computed responses so
// a repeated recording skips every upstream call.
package respcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidDriver = errors.New("respcache: unsupported driver")
	ErrInvalidConfig = errors.New("respcache: invalid configuration")
)

// Entry is one completed pipeline result.
type Entry struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Language   string `json:"language,omitempty"`
	Audio      []byte `json:"audio"`
}

// Store is shared by every session pipeline and must be safe for concurrent
// use. Lookup reports a miss as (Entry{}, false, nil).
type Store interface {
	Lookup(ctx context.Context, hash string) (Entry, bool, error)
	Store(ctx context.Context, hash string, entry Entry) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Open builds the configured driver.
func Open(ctx context.Context, cfg config.ResponseCacheConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "response-cache"))
	switch cfg.Driver {
	case "", "memory":
		logger.Info("response cache ready", slog.String("driver", "memory"), slog.Int("max_entries", cfg.MaxEntries), slog.Duration("ttl", cfg.TTL()))
		return NewMemory(cfg.MaxEntries, cfg.TTL()), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, ErrInvalidConfig
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("response cache ready", slog.String("driver", "redis"), slog.String("addr", opts.Addr), slog.Duration("ttl", cfg.TTL()))
		return NewRedis(client, cfg.KeyPrefix, cfg.TTL()), nil
	default:
		return nil, ErrInvalidDriver
	}
}
