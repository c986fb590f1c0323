package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
)

// Recording is a persisted capture. Payload is nil in list results.
type Recording struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	SessionKey string    `json:"session_key"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Format     string    `json:"format"`
	Degraded   bool      `json:"degraded"`
	Size       int64     `json:"size"`
	Payload    []byte    `json:"-"`
}

// Metadata is the caller-supplied description of a recording.
type Metadata struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Category string
	Since    time.Time
	Limit    int
}

// Stats aggregates the stored recordings.
type Stats struct {
	Count           int64            `json:"count"`
	TotalBytes      int64            `json:"total_bytes"`
	TotalDurationMS int64            `json:"total_duration_ms"`
	Degraded        int64            `json:"degraded"`
	ByCategory      map[string]int64 `json:"by_category"`
}

const recordingColumns = `id, filename, session_key, name, category, created_at, duration_ms, sample_rate, channels, format, degraded, size`

// NewSessionKey returns a random 128-bit identifier formatted as a UUID. It
// names the stored file and correlates the recording with practice results.
func NewSessionKey() string {
	return uuid.NewString()
}

// FilenameFor derives the stored filename from a session key.
func FilenameFor(key string) string {
	return "recording_" + key + ".wav"
}

// Save persists a finalized recording and returns the stored record,
// including its assigned identifier.
func (s *Store) Save(ctx context.Context, rec capture.Recording, meta Metadata) (Recording, error) {
	payload := rec.Payload()
	if len(payload) == 0 {
		return Recording{}, fmt.Errorf("%w: empty payload", ErrInvalid)
	}
	key := NewSessionKey()
	out := Recording{
		Filename:   FilenameFor(key),
		SessionKey: key,
		Name:       strings.TrimSpace(meta.Name),
		Category:   strings.TrimSpace(meta.Category),
		CreatedAt:  s.clock().UTC().Truncate(time.Millisecond),
		DurationMS: rec.DurationMS,
		SampleRate: rec.SampleRate,
		Channels:   rec.Channels,
		Format:     rec.Format(),
		Degraded:   rec.Degraded,
		Size:       int64(len(payload)),
		Payload:    payload,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO recordings(filename, session_key, name, category, created_at, duration_ms, sample_rate, channels, format, degraded, size, payload)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.Filename, out.SessionKey, out.Name, out.Category, out.CreatedAt.UnixMilli(), out.DurationMS,
			out.SampleRate, out.Channels, out.Format, out.Degraded, out.Size, out.Payload)
		if err != nil {
			return fmt.Errorf("insert recording: %w", err)
		}
		out.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Recording{}, err
	}
	s.log.Debug("recording saved", slog.Int64("id", out.ID), slog.String("filename", out.Filename), slog.Int64("size", out.Size))
	return out, nil
}

// Get returns a recording including its payload.
func (s *Store) Get(ctx context.Context, id int64) (Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+`, payload FROM recordings WHERE id = ?`, id)
	var rec Recording
	if err := scanRecording(row, &rec, &rec.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recording{}, fmt.Errorf("recording %d: %w", id, ErrNotFound)
		}
		return Recording{}, fmt.Errorf("%w: get recording: %v", ErrStorageFailed, err)
	}
	return rec, nil
}

// List returns recording metadata, newest first, without payloads.
func (s *Store) List(ctx context.Context, f Filter) ([]Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	var where []string
	var args []any
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list recordings: %v", ErrStorageFailed, err)
	}
	defer rows.Close()

	recs := []Recording{}
	for rows.Next() {
		var rec Recording
		if err := scanRecording(rows, &rec); err != nil {
			return nil, fmt.Errorf("%w: scan recording: %v", ErrStorageFailed, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list recordings: %v", ErrStorageFailed, err)
	}
	return recs, nil
}

// ListByCategory is List restricted to one category.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]Recording, error) {
	return s.List(ctx, Filter{Category: category})
}

// Delete removes a recording and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete recording: %w", err)
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// Clear removes every recording. The session-result ledger is untouched.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM recordings`)
		if err != nil {
			return fmt.Errorf("clear recordings: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// Stats aggregates count, size and duration over all recordings.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByCategory: map[string]int64{}}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(degraded), 0) FROM recordings`)
	if err := row.Scan(&st.Count, &st.TotalBytes, &st.TotalDurationMS, &st.Degraded); err != nil {
		return Stats{}, fmt.Errorf("%w: recording stats: %v", ErrStorageFailed, err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM recordings GROUP BY category`)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: category stats: %v", ErrStorageFailed, err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return Stats{}, fmt.Errorf("%w: category stats: %v", ErrStorageFailed, err)
		}
		st.ByCategory[category] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: category stats: %v", ErrStorageFailed, err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner, rec *Recording, extra ...any) error {
	var created int64
	dest := []any{&rec.ID, &rec.Filename, &rec.SessionKey, &rec.Name, &rec.Category, &created,
		&rec.DurationMS, &rec.SampleRate, &rec.Channels, &rec.Format, &rec.Degraded, &rec.Size}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return nil
}
