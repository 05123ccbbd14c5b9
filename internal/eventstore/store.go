package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miragelabs/mirage-core/internal/config"
	_ "modernc.org/sqlite"
)

// SessionRecord is one arbitration grant as persisted. State holds the
// terminal state once the session ends.
type SessionRecord struct {
	Token      string
	Device     string
	Owner      string
	Priority   int
	Channels   []string
	State      string
	AcquiredAt time.Time
	EndedAt    time.Time
}

// Event is one session-scoped timeline entry: a channel write, an
// interpolation, an autopilot step.
type Event struct {
	ID        int64
	Token     string
	Device    string
	Kind      string
	Channel   string
	Payload   []byte
	CreatedAt time.Time
}

// DeviceEvent is one device-scoped timeline entry: a status transition, a
// transcript, a turn change. These outlive sessions.
type DeviceEvent struct {
	ID        int64
	Device    string
	Kind      string
	Detail    string
	Payload   []byte
	CreatedAt time.Time
}

// Store persists the engine timeline in SQLite. In ephemeral mode every
// write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
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
    token TEXT PRIMARY KEY,
    device TEXT NOT NULL,
    owner TEXT,
    priority INTEGER NOT NULL,
    channels TEXT,
    state TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    token TEXT NOT NULL,
    device TEXT,
    kind TEXT NOT NULL,
    channel TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(token) REFERENCES sessions(token) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS device_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device TEXT NOT NULL,
    kind TEXT NOT NULL,
    detail TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_token_created ON events(token, created_at);
CREATE INDEX IF NOT EXISTS idx_device_events_device_created ON device_events(device, created_at);
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

// RecordSession upserts the row for a grant.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, device, owner, priority, channels, state, acquired_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET state=excluded.state`,
		rec.Token, rec.Device, rec.Owner, rec.Priority,
		strings.Join(rec.Channels, ","), rec.State, rec.AcquiredAt)
	return err
}

// EndSession marks a grant released or preempted.
func (s *Store) EndSession(ctx context.Context, token, state string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ? WHERE token = ?`,
		state, s.clock().UTC(), token)
	return err
}

// AppendEvent writes one session-scoped entry.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(token, device, kind, channel, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.Token, evt.Device, evt.Kind, evt.Channel, evt.Payload, evt.CreatedAt)
	return err
}

// AppendDeviceEvent writes one device-scoped entry.
func (s *Store) AppendDeviceEvent(ctx context.Context, evt DeviceEvent) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events(device, kind, detail, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.Device, evt.Kind, evt.Detail, evt.Payload, evt.CreatedAt)
	return err
}

// SessionTimeline retrieves up to limit events for a token ordered ascending
// by time.
func (s *Store) SessionTimeline(ctx context.Context, token string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, device, kind, channel, payload, created_at
		 FROM events WHERE token = ? ORDER BY created_at ASC, id ASC LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.Token, &e.Device, &e.Kind, &e.Channel, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeviceTimeline retrieves up to limit device-scoped events ordered ascending
// by time.
func (s *Store) DeviceTimeline(ctx context.Context, device string, limit int) ([]DeviceEvent, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, kind, detail, payload, created_at
		 FROM device_events WHERE device = ? ORDER BY created_at ASC, id ASC LIMIT ?`, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		var created string
		if err := rows.Scan(&e.ID, &e.Device, &e.Kind, &e.Detail, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the newest sessions first, optionally for one device.
func (s *Store) ListSessions(ctx context.Context, device string, limit int) ([]SessionRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT token, device, owner, priority, channels, state, acquired_at, ended_at
		 FROM sessions`
	args := []any{}
	if device != "" {
		query += ` WHERE device = ?`
		args = append(args, device)
	}
	query += ` ORDER BY acquired_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var channels string
		var acquired string
		var ended sql.NullString
		if err := rows.Scan(&rec.Token, &rec.Device, &rec.Owner, &rec.Priority, &channels, &rec.State, &acquired, &ended); err != nil {
			return nil, err
		}
		if channels != "" {
			rec.Channels = strings.Split(channels, ",")
		}
		if ts, err := time.Parse(time.RFC3339Nano, acquired); err == nil {
			rec.AcquiredAt = ts
		}
		if ended.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, ended.String); err == nil {
				rec.EndedAt = ts
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
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

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM device_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE acquired_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE token IN (
			SELECT token FROM sessions ORDER BY acquired_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
