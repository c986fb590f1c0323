package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

func TestAppendAndQueryByExercise(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	date := time.Date(2025, 5, 4, 10, 30, 0, 0, time.UTC)
	duration := int64(4200)
	in := SessionResult{ExerciseID: "vs_001", Category: "vowels", ConfidenceScore: 72, Result: "good", Date: date, DurationMS: &duration}

	appended, err := s.AppendResult(context.Background(), in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if appended.ID <= 0 {
		t.Fatalf("expected id, got %d", appended.ID)
	}

	got, err := s.QueryResults(context.Background(), ResultQuery{ExerciseID: "vs_001"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(got))
	}
	e := got[0]
	if e.ID != appended.ID || e.ExerciseID != in.ExerciseID || e.Category != in.Category ||
		e.ConfidenceScore != in.ConfidenceScore || e.Result != in.Result || !e.Date.Equal(in.Date) ||
		e.DurationMS == nil || *e.DurationMS != duration {
		t.Fatalf("entry mismatch:\n got %+v\nwant %+v", e, in)
	}

	other, err := s.QueryResults(context.Background(), ResultQuery{ExerciseID: "vs_002"})
	if err != nil {
		t.Fatalf("query other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no entries for vs_002, got %d", len(other))
	}
}

func TestQueryResultsDateRangeSortedDescending(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := s.AppendResult(context.Background(), SessionResult{ExerciseID: "vs_001", ConfidenceScore: float64(i * 10), Date: base.AddDate(0, 0, i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.QueryResults(context.Background(), ResultQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Date.After(all[i-1].Date) {
			t.Fatal("results not sorted by date descending")
		}
	}

	ranged, err := s.QueryResults(context.Background(), ResultQuery{From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 3)})
	if err != nil {
		t.Fatalf("ranged query: %v", err)
	}
	if len(ranged) != 2 || ranged[0].ConfidenceScore != 20 || ranged[1].ConfidenceScore != 10 {
		t.Fatalf("unexpected ranged results %+v", ranged)
	}
}

func TestAppendResultValidation(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	cases := []SessionResult{
		{ExerciseID: "", ConfidenceScore: 10},
		{ExerciseID: "vs_001", ConfidenceScore: -1},
		{ExerciseID: "vs_001", ConfidenceScore: 100.5},
	}
	for _, c := range cases {
		if _, err := s.AppendResult(context.Background(), c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %+v, got %v", c, err)
		}
	}
}

func TestAppendResultDefaultsDate(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	got, err := s.AppendResult(context.Background(), SessionResult{ExerciseID: "vs_003", ConfidenceScore: 88.5})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !got.Date.Equal(now) || got.DurationMS != nil {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestSummary(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	entries := []SessionResult{
		{ExerciseID: "vs_001", Category: "vowels", ConfidenceScore: 80, Date: now.AddDate(0, 0, -1)},
		{ExerciseID: "vs_002", Category: "vowels", ConfidenceScore: 60, Date: now.AddDate(0, 0, -2)},
		{ExerciseID: "cs_001", Category: "consonants", ConfidenceScore: 40, Date: now.AddDate(0, 0, -3)},
		{ExerciseID: "in_001", Category: "intonation", ConfidenceScore: 90, Date: now.AddDate(0, 0, -30)},
	}
	for _, e := range entries {
		if _, err := s.AppendResult(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sum, err := s.Summary(context.Background(), now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalSessions != 4 || sum.WeeklySessions != 3 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	if sum.WeeklyAverage != 60 {
		t.Fatalf("weekly average = %v, want 60", sum.WeeklyAverage)
	}
	if sum.AverageScore != 67.5 {
		t.Fatalf("average = %v, want 67.5", sum.AverageScore)
	}
	if sum.MostPracticed != "vowels" || sum.LowestScoring != "consonants" {
		t.Fatalf("unexpected categories %+v", sum)
	}
}

func TestSummaryEmptyLedger(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	sum, err := s.Summary(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalSessions != 0 || sum.MostPracticed != "" || sum.WeeklyAverage != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
