package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/livevoice/internal/config"
)

// Record kinds.
const (
	KindEvent      = "event"
	KindStatus     = "status"
	KindConnection = "connection"
)

// Record is one timeline entry.
type Record struct {
	ID        int64
	SessionID string
	RoomID    int64
	Kind      string
	Type      string
	Sender    string
	Content   string
	JobKey    string
	Payload   []byte
	CreatedAt time.Time
}

// SessionID returns the timeline session a room's records belong to.
func SessionID(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10)
}

// Store wraps a SQLite-backed room timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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
	db.SetMaxOpenConns(1)
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
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    room_id INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    room_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    record_type TEXT,
    sender TEXT,
    content TEXT,
    job_key TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_records_session_created ON records(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_records_job_key ON records(job_key);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists for roomID and returns its id.
func (s *Store) AppendSession(ctx context.Context, roomID int64) (string, error) {
	sessionID := SessionID(roomID)
	if s.disabled() {
		return sessionID, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, room_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, roomID, s.clock().UTC().UnixNano())
	return sessionID, err
}

// Append writes a record, creating its room session when needed.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.disabled() {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	sessionID, err := s.AppendSession(ctx, rec.RoomID)
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(session_id, room_id, kind, record_type, sender, content, job_key, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.RoomID, rec.Kind, rec.Type, rec.Sender, rec.Content, rec.JobKey, rec.Payload, rec.CreatedAt.UnixNano())
	return err
}

const recordColumns = `id, session_id, room_id, kind, record_type, sender, content, job_key, payload, created_at`

// ListSession retrieves up to limit records for a session ordered ascending by time.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// JobHistory returns every status record of one TTS job in order.
func (s *Store) JobHistory(ctx context.Context, key string) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE job_key = ? AND kind = ? ORDER BY id ASC`,
		key, KindStatus)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var r Record
		var recordType, sender, content, jobKey sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RoomID, &r.Kind, &recordType, &sender, &content, &jobKey, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.Type, r.Sender, r.Content, r.JobKey = recordType.String, sender.String, content.String, jobKey.String
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and by the archiver).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?
			AND session_id NOT IN (SELECT DISTINCT session_id FROM records)`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
