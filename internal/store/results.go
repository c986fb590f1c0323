package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// SessionResult is one completed practice attempt in the append-only ledger.
type SessionResult struct {
	ID              int64     `json:"id"`
	ExerciseID      string    `json:"exercise_id"`
	Category        string    `json:"category"`
	ConfidenceScore float64   `json:"confidence_score"`
	Result          string    `json:"result"`
	Date            time.Time `json:"date"`
	DurationMS      *int64    `json:"duration_ms,omitempty"`
}

// ResultQuery filters ledger reads. Zero values match everything; From is
// inclusive and To is exclusive.
type ResultQuery struct {
	ExerciseID string
	Category   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Summary is derived from the ledger on every call.
type Summary struct {
	TotalSessions     int                `json:"total_sessions"`
	AverageScore      float64            `json:"average_score"`
	WeeklySessions    int                `json:"weekly_sessions"`
	WeeklyAverage     float64            `json:"weekly_average"`
	MostPracticed     string             `json:"most_practiced_category,omitempty"`
	LowestScoring     string             `json:"lowest_scoring_category,omitempty"`
	AverageByCategory map[string]float64 `json:"average_by_category"`
}

// AppendResult adds an entry to the ledger. Entries are never updated.
func (s *Store) AppendResult(ctx context.Context, r SessionResult) (SessionResult, error) {
	r.ExerciseID = strings.TrimSpace(r.ExerciseID)
	if r.ExerciseID == "" {
		return SessionResult{}, fmt.Errorf("%w: exercise id required", ErrInvalid)
	}
	if math.IsNaN(r.ConfidenceScore) || r.ConfidenceScore < 0 || r.ConfidenceScore > 100 {
		return SessionResult{}, fmt.Errorf("%w: confidence score %v outside 0-100", ErrInvalid, r.ConfidenceScore)
	}
	if r.DurationMS != nil && *r.DurationMS < 0 {
		return SessionResult{}, fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	if r.Date.IsZero() {
		r.Date = s.clock()
	}
	r.Date = r.Date.UTC().Truncate(time.Millisecond)

	var duration sql.NullInt64
	if r.DurationMS != nil {
		duration = sql.NullInt64{Int64: *r.DurationMS, Valid: true}
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO session_results(exercise_id, category, confidence_score, result, date_ms, duration_ms)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			r.ExerciseID, r.Category, r.ConfidenceScore, r.Result, r.Date.UnixMilli(), duration)
		if err != nil {
			return fmt.Errorf("insert session result: %w", err)
		}
		r.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return SessionResult{}, err
	}
	return r, nil
}

// QueryResults returns ledger entries matching q, newest first.
func (s *Store) QueryResults(ctx context.Context, q ResultQuery) ([]SessionResult, error) {
	query := `SELECT id, exercise_id, category, confidence_score, result, date_ms, duration_ms FROM session_results`
	var where []string
	var args []any
	if q.ExerciseID != "" {
		where = append(where, "exercise_id = ?")
		args = append(args, q.ExerciseID)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if !q.From.IsZero() {
		where = append(where, "date_ms >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "date_ms < ?")
		args = append(args, q.To.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_ms DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query session results: %v", ErrStorageFailed, err)
	}
	defer rows.Close()

	results := []SessionResult{}
	for rows.Next() {
		var r SessionResult
		var date int64
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ExerciseID, &r.Category, &r.ConfidenceScore, &r.Result, &date, &duration); err != nil {
			return nil, fmt.Errorf("%w: scan session result: %v", ErrStorageFailed, err)
		}
		r.Date = time.UnixMilli(date).UTC()
		if duration.Valid {
			d := duration.Int64
			r.DurationMS = &d
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query session results: %v", ErrStorageFailed, err)
	}
	return results, nil
}

// Summary scans the ledger and derives dashboard statistics. The weekly
// window is the seven days ending at now.
func (s *Store) Summary(ctx context.Context, now time.Time) (Summary, error) {
	results, err := s.QueryResults(ctx, ResultQuery{})
	if err != nil {
		return Summary{}, err
	}
	return summarize(results, now), nil
}

func summarize(results []SessionResult, now time.Time) Summary {
	sum := Summary{TotalSessions: len(results), AverageByCategory: map[string]float64{}}
	if len(results) == 0 {
		return sum
	}
	weekStart := now.Add(-7 * 24 * time.Hour)
	var total, weekly float64
	counts := map[string]int{}
	totals := map[string]float64{}
	for _, r := range results {
		total += r.ConfidenceScore
		if !r.Date.Before(weekStart) && !r.Date.After(now) {
			weekly += r.ConfidenceScore
			sum.WeeklySessions++
		}
		if r.Category == "" {
			continue
		}
		counts[r.Category]++
		totals[r.Category] += r.ConfidenceScore
	}
	sum.AverageScore = round1(total / float64(len(results)))
	if sum.WeeklySessions > 0 {
		sum.WeeklyAverage = round1(weekly / float64(sum.WeeklySessions))
	}

	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
		sum.AverageByCategory[c] = round1(totals[c] / float64(counts[c]))
	}
	// ties resolve alphabetically
	sort.Strings(categories)
	for _, c := range categories {
		if sum.MostPracticed == "" || counts[c] > counts[sum.MostPracticed] {
			sum.MostPracticed = c
		}
		if sum.LowestScoring == "" || sum.AverageByCategory[c] < sum.AverageByCategory[sum.LowestScoring] {
			sum.LowestScoring = c
		}
	}
	return sum
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
