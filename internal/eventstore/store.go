package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	_ "modernc.org/sqlite"
)

// Event represents one lifecycle transition in an attempt's timeline.
type Event struct {
	ID        int64
	AttemptID string
	Kind      string
	State     string
	Previous  string
	Trigger   string
	Payload   []byte
	CreatedAt time.Time
}

// Attempt summarizes one recording attempt.
type Attempt struct {
	AttemptID string    `json:"attempt_id"`
	Trigger   string    `json:"trigger"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed audit timeline of recording attempts.
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
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id TEXT PRIMARY KEY,
    trigger_source TEXT,
    outcome TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    state TEXT,
    previous TEXT,
    trigger_source TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(attempt_id) REFERENCES attempts(attempt_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_attempt_created ON events(attempt_id, created_at);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at);
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

// AppendAttempt ensures an attempt row exists.
func (s *Store) AppendAttempt(ctx context.Context, attemptID, trigger string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(attempt_id, trigger_source, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(attempt_id) DO NOTHING`,
		attemptID, trigger, s.clock().UnixMilli())
	return err
}

// SetOutcome records how an attempt ended.
func (s *Store) SetOutcome(ctx context.Context, attemptID, outcome string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE attempts SET outcome = ? WHERE attempt_id = ?`, outcome, attemptID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(attempt_id, kind, state, previous, trigger_source, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.AttemptID, evt.Kind, evt.State, evt.Previous, evt.Trigger, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListAttemptEvents retrieves up to limit events for an attempt ordered ascending by time.
func (s *Store) ListAttemptEvents(ctx context.Context, attemptID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, kind, COALESCE(state, ''), COALESCE(previous, ''), COALESCE(trigger_source, ''), payload, created_at
		 FROM events WHERE attempt_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, attemptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.Kind, &e.State, &e.Previous, &e.Trigger, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListAttempts returns the most recent attempts, newest first.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, COALESCE(trigger_source, ''), outcome, created_at
		 FROM attempts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var created int64
		if err := rows.Scan(&a.AttemptID, &a.Trigger, &a.Outcome, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM attempts WHERE attempt_id IN (
			SELECT attempt_id FROM attempts ORDER BY created_at DESC LIMIT -1 OFFSET ?
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

// Record appends every lifecycle event from sub until it is closed or ctx
// ends. Write failures are logged and do not stop recording.
func (s *Store) Record(ctx context.Context, sub *lifecycle.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.recordEvent(ctx, evt); err != nil {
				s.log.Warn("append lifecycle event failed", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Store) recordEvent(ctx context.Context, evt lifecycle.Event) error {
	if evt.AttemptID == "" {
		return nil
	}
	if err := s.AppendAttempt(ctx, evt.AttemptID, evt.Trigger); err != nil {
		return err
	}
	payload, err := json.Marshal(eventDetail(evt))
	if err != nil {
		return err
	}
	if err := s.AppendEvent(ctx, Event{
		AttemptID: evt.AttemptID,
		Kind:      string(evt.Kind),
		State:     string(evt.State),
		Previous:  string(evt.Previous),
		Trigger:   evt.Trigger,
		Payload:   payload,
		CreatedAt: evt.Time,
	}); err != nil {
		return err
	}
	switch {
	case evt.Kind == lifecycle.EventRecordingError:
		return s.SetOutcome(ctx, evt.AttemptID, "failed")
	case evt.Kind == lifecycle.EventRecordingStop && evt.Reason != "":
		return s.SetOutcome(ctx, evt.AttemptID, "force_stopped")
	case evt.Kind == lifecycle.EventRecordingStop:
		return s.SetOutcome(ctx, evt.AttemptID, "stored")
	}
	return nil
}

type detail struct {
	ElapsedMS   int64  `json:"elapsed_ms,omitempty"`
	RecordingID int64  `json:"recording_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

func eventDetail(evt lifecycle.Event) detail {
	d := detail{ElapsedMS: evt.Elapsed.Milliseconds(), Reason: evt.Reason}
	if evt.Recording != nil {
		d.RecordingID = evt.Recording.ID
		d.Filename = evt.Recording.Filename
		d.Degraded = evt.Recording.Degraded
	}
	if evt.Err != nil {
		d.Error = evt.Err.Error()
	}
	return d
}
