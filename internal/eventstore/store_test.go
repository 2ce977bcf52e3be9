package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store should not hold a database")
	}
	es.Observe(ctx, protocol.SessionEvent{SessionID: "s1", Kind: protocol.EventSessionStarted})
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestObserveRecordsTimeline(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	es.Observe(ctx, protocol.SessionEvent{ConnectionID: "c1", SessionID: "s1", Kind: protocol.EventSessionStarted, State: "idle", Timestamp: base})
	es.Observe(ctx, protocol.SessionEvent{ConnectionID: "c1", SessionID: "s1", Kind: protocol.EventTranscript, Transcript: "hello", Timestamp: base.Add(time.Second)})
	es.Observe(ctx, protocol.SessionEvent{ConnectionID: "c1", SessionID: "s1", Kind: protocol.EventResponse, FromCache: true, LatencyMS: 42, Timestamp: base.Add(2 * time.Second)})

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != protocol.EventSessionStarted || events[2].Kind != protocol.EventResponse {
		t.Fatalf("unexpected order %s..%s", events[0].Kind, events[2].Kind)
	}
	if events[2].LatencyMS != 42 || !events[2].CreatedAt.Equal(base.Add(2*time.Second)) {
		t.Fatalf("unexpected last event %+v", events[2])
	}
	var payload protocol.SessionEvent
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Transcript != "hello" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	summary, ok, err := es.GetSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if summary.LastKind != protocol.EventResponse || !summary.FromCache || summary.ConnectionID != "c1" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !summary.CreatedAt.Equal(base) {
		t.Fatalf("expected creation time preserved, got %s", summary.CreatedAt)
	}
}

func TestGetUnknownSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	if _, ok, err := es.GetSession(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, protocol.SessionEvent{SessionID: "old-session", Kind: protocol.EventSessionStarted}); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, protocol.SessionEvent{SessionID: "new-session", Kind: protocol.EventSessionStarted}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old session pruned")
	}
	if _, ok, _ := es.GetSession(ctx, "new-session"); !ok {
		t.Fatal("expected recent session kept")
	}
}

func TestSessionCapCascadesEvents(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session", MaxSessions: 1})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second"} {
		if err := es.Record(ctx, protocol.SessionEvent{SessionID: id, Kind: protocol.EventSessionStarted, Timestamp: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if events, _ := es.ListSessionEvents(ctx, "first", 10); len(events) != 0 {
		t.Fatalf("expected events of evicted session removed, got %d", len(events))
	}
	if events, _ := es.ListSessionEvents(ctx, "second", 10); len(events) != 1 {
		t.Fatalf("expected newest session kept, got %d", len(events))
	}
}
