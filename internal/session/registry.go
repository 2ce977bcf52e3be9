// Package session buffers audio fragments per recording attempt and assembles
// them into a single payload when the client signals completion.
package session

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const serviceName = "session"

// ErrClosed is returned by Append after the owning connection closed.
var ErrClosed = errors.New("session registry closed")

// Payload is the assembled audio of one completed session.
type Payload struct {
	SessionID string
	Audio     []byte
	Fragments int
	Hash      string
	StartedAt time.Time
}

type buffer struct {
	fragments []string
	size      int
	createdAt time.Time
	touchedAt time.Time
}

// Registry belongs to exactly one connection. The connection handler is the
// only writer; the sweeper only removes idle entries.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*buffer
	closed   bool

	maxBytes int
	idle     time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(cfg config.SessionConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*buffer),
		maxBytes: cfg.MaxAudioBytes,
		idle:     cfg.IdleTimeout(),
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "session-registry")),
		stopCh:   make(chan struct{}),
	}
}

// StartSweeper releases sessions that have not received a fragment within
// the idle timeout. It is a no-op when either duration is zero.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 || r.idle <= 0 {
		return
	}
	r.wg.Add(1)
	go r.sweepLoop(interval)
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Append buffers fragment for sessionID, creating the session on first use.
// A session that grows past the configured limit is dropped and an error
// returned.
func (r *Registry) Append(sessionID, fragment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	now := r.clock()
	buf, ok := r.sessions[sessionID]
	if !ok {
		buf = &buffer{createdAt: now}
		r.sessions[sessionID] = buf
	}
	buf.size += base64.StdEncoding.DecodedLen(len(fragment))
	if r.maxBytes > 0 && buf.size > r.maxBytes {
		delete(r.sessions, sessionID)
		return upstream.MalformedInput(serviceName, "audio payload too large")
	}
	buf.fragments = append(buf.fragments, fragment)
	buf.touchedAt = now
	return nil
}

// Complete removes the session and decodes its fragments in arrival order.
// The boolean is false when the session is unknown or has no fragments.
// Decoding failures drop the session and return a malformed input error.
func (r *Registry) Complete(sessionID string) (Payload, bool, error) {
	r.mu.Lock()
	buf, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !ok || len(buf.fragments) == 0 {
		return Payload{}, false, nil
	}

	audio := make([]byte, 0, buf.size)
	for i, fragment := range buf.fragments {
		decoded, err := decodeFragment(fragment)
		if err != nil {
			return Payload{}, false, upstream.MalformedInput(serviceName, fmt.Sprintf("invalid audio encoding in fragment %d", i))
		}
		audio = append(audio, decoded...)
	}
	return Payload{
		SessionID: sessionID,
		Audio:     audio,
		Fragments: len(buf.fragments),
		Hash:      ContentHash(audio),
		StartedAt: buf.createdAt,
	}, true, nil
}

// Drop discards a session without assembling it.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes idle sessions and reports how many were released.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	r.mu.Lock()
	cutoff := r.clock().Add(-r.idle)
	released := 0
	for id, buf := range r.sessions {
		if buf.touchedAt.Before(cutoff) {
			delete(r.sessions, id)
			released++
		}
	}
	r.mu.Unlock()
	if released > 0 {
		r.logger.Debug("released idle sessions", slog.Int("count", released))
	}
	return released
}

// Close stops the sweeper and releases every buffered session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.mu.Lock()
	released := len(r.sessions)
	r.sessions = make(map[string]*buffer)
	r.closed = true
	r.mu.Unlock()
	if released > 0 {
		r.logger.Debug("released sessions on close", slog.Int("count", released))
	}
}

// ContentHash is the hex SHA-256 digest of an assembled payload.
func ContentHash(audio []byte) string {
	sum := sha256.Sum256(audio)
	return hex.EncodeToString(sum[:])
}

func decodeFragment(fragment string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(fragment)
	if err == nil {
		return decoded, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(fragment); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
