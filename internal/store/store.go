// Package store persists finalized recordings and the session-result ledger
// in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStorageFailed = errors.New("storage failed")
	ErrInvalid       = errors.New("invalid entry")
)

// Store wraps the SQLite-backed recording store and session-result ledger.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The ephemeral retention
// mode keeps everything in memory for the lifetime of the process.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.RetentionMode == "ephemeral" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode == "ephemeral" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != "ephemeral" {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("store vacuum failed", slogError(err))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    filename TEXT NOT NULL UNIQUE,
    session_key TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    format TEXT NOT NULL,
    degraded INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL,
    payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
CREATE INDEX IF NOT EXISTS idx_recordings_category ON recordings(category);
CREATE TABLE IF NOT EXISTS session_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    exercise_id TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    confidence_score REAL NOT NULL,
    result TEXT NOT NULL DEFAULT '',
    date_ms INTEGER NOT NULL,
    duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_session_results_exercise ON session_results(exercise_id);
CREATE INDEX IF NOT EXISTS idx_session_results_category ON session_results(category);
CREATE INDEX IF NOT EXISTS idx_session_results_date ON session_results(date_ms);
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

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on any error so that no
// write partially applies.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorageFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrStorageFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageFailed, err)
	}
	return nil
}

// Prune applies retention to recordings: anything older than retention_days
// and anything beyond the newest max_recordings. The session-result ledger is
// append-only and never pruned.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxRecordings <= 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if s.cfg.RetentionDays > 0 {
			cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
			res, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff.UnixMilli())
			if err != nil {
				return fmt.Errorf("prune by age: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if s.cfg.MaxRecordings > 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id IN (
				SELECT id FROM recordings ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxRecordings)
			if err != nil {
				return fmt.Errorf("prune by count: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("pruned recordings", slog.Int64("count", removed))
	}
	return removed, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
