// Package eventstore keeps a queryable timeline of voice sessions in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event is one recorded pipeline milestone.
type Event struct {
	ID           int64
	SessionID    string
	ConnectionID string
	Kind         string
	State        string
	LatencyMS    int64
	Payload      []byte
	CreatedAt    time.Time
}

// Session summarizes the latest known outcome of a session.
type Session struct {
	SessionID    string
	ConnectionID string
	LastKind     string
	FromCache    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is a SQLite-backed session timeline. In ephemeral mode it holds no
// database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    connection_id TEXT,
    last_kind TEXT,
    from_cache INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    connection_id TEXT,
    kind TEXT NOT NULL,
    state TEXT,
    latency_ms INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// Observe implements pipeline.Observer. Write failures are logged; the
// timeline is best effort and never fails a session.
func (s *Store) Observe(ctx context.Context, event protocol.SessionEvent) {
	if !s.Enabled() || event.SessionID == "" {
		return
	}
	if err := s.Record(ctx, event); err != nil {
		s.log.Warn("record session event",
			slog.String("session_id", event.SessionID),
			slog.String("kind", event.Kind),
			slogError(err))
	}
}

// Record upserts the session row and appends the event in one transaction.
func (s *Store) Record(ctx context.Context, event protocol.SessionEvent) (err error) {
	if !s.Enabled() {
		return nil
	}
	at := event.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, connection_id, last_kind, from_cache, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   connection_id=excluded.connection_id,
		   last_kind=excluded.last_kind,
		   from_cache=excluded.from_cache,
		   updated_at=excluded.updated_at`,
		event.SessionID, event.ConnectionID, event.Kind, event.FromCache, at.UnixNano(), at.UnixNano()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, connection_id, kind, state, latency_ms, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.ConnectionID, event.Kind, event.State, event.LatencyMS, payload, at.UnixNano()); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// ListSessionEvents returns up to limit events for a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, connection_id, kind, state, latency_ms, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			conn    sql.NullString
			state   sql.NullString
			latency sql.NullInt64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &conn, &e.Kind, &state, &latency, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ConnectionID = conn.String
		e.State = state.String
		e.LatencyMS = latency.Int64
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSession returns the summary row for a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	if !s.Enabled() {
		return Session{}, false, nil
	}
	var (
		out              Session
		conn, kind       sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, connection_id, last_kind, from_cache, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&out.SessionID, &conn, &kind, &out.FromCache, &created, &updated)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	out.ConnectionID = conn.String
	out.LastKind = kind.String
	out.CreatedAt = time.Unix(0, created).UTC()
	out.UpdatedAt = time.Unix(0, updated).UTC()
	return out, true, nil
}

// Prune applies the configured retention window and session cap.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
