// Package api exposes the capture lifecycle, the recording store and the
// session-result ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	"github.com/loqalabs/loqa-capture/internal/store"
)

const maxBodyBytes = 1 << 20

type Lifecycle interface {
	Start(ctx context.Context, trigger string) error
	Stop(ctx context.Context, meta store.Metadata) (store.Recording, error)
	ForceStop(reason string)
	State() lifecycle.Snapshot
}

type Store interface {
	Get(ctx context.Context, id int64) (store.Recording, error)
	List(ctx context.Context, f store.Filter) ([]store.Recording, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (store.Stats, error)
	AppendResult(ctx context.Context, r store.SessionResult) (store.SessionResult, error)
	QueryResults(ctx context.Context, q store.ResultQuery) ([]store.SessionResult, error)
	Summary(ctx context.Context, now time.Time) (store.Summary, error)
}

type Server struct {
	lc    Lifecycle
	store Store
	log   *slog.Logger
	clock func() time.Time
}

func NewServer(lc Lifecycle, st Store, log *slog.Logger) *Server {
	return &Server{lc: lc, store: st, log: log.With(slog.String("component", "api")), clock: time.Now}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capture/start", s.handleStart)
	mux.HandleFunc("POST /v1/capture/stop", s.handleStop)
	mux.HandleFunc("POST /v1/capture/force-stop", s.handleForceStop)
	mux.HandleFunc("GET /v1/capture/state", s.handleState)

	mux.HandleFunc("GET /v1/recordings", s.handleListRecordings)
	mux.HandleFunc("DELETE /v1/recordings", s.handleClearRecordings)
	mux.HandleFunc("GET /v1/recordings/stats", s.handleRecordingStats)
	mux.HandleFunc("GET /v1/recordings/{id}", s.handleGetRecording)
	mux.HandleFunc("GET /v1/recordings/{id}/audio", s.handleGetAudio)
	mux.HandleFunc("DELETE /v1/recordings/{id}", s.handleDeleteRecording)

	mux.HandleFunc("POST /v1/session-results", s.handleAppendResult)
	mux.HandleFunc("GET /v1/session-results", s.handleQueryResults)
	mux.HandleFunc("GET /v1/session-results/summary", s.handleSummary)
}

type startRequest struct {
	Trigger string `json:"trigger"`
}

type forceStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = "api"
	}
	err := s.lc.Start(r.Context(), trigger)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.lc.State())
	case errors.Is(err, lifecycle.ErrStillArming):
		s.writeJSON(w, http.StatusAccepted, s.lc.State())
	default:
		s.writeError(w, statusFor(err), err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var meta store.Metadata
	if err := decodeBody(r, &meta); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	// a client hanging up mid-save must not discard the recording
	rec, err := s.lc.Stop(context.WithoutCancel(r.Context()), meta)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	var req forceStopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api"
	}
	s.lc.ForceStop(reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.lc.State())
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Category: q.Get("category")}
	var err error
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.store.List(r.Context(), f)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleClearRecordings(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.Clear(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleRecordingStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Payload)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	if rec.Degraded {
		w.Header().Set("X-Loqa-Degraded", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Payload)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (store.Recording, bool) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return store.Recording{}, false
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return store.Recording{}, false
	}
	return rec, true
}

func (s *Server) handleAppendResult(w http.ResponseWriter, r *http.Request) {
	var entry store.SessionResult
	if err := decodeBody(r, &entry); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entry.ID = 0
	out, err := s.store.AppendResult(r.Context(), entry)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleQueryResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := store.ResultQuery{ExerciseID: q.Get("exercise_id"), Category: q.Get("category")}
	var err error
	if rq.From, err = parseTime(q.Get("from")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if rq.To, err = parseTime(q.Get("to")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if rq.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.store.QueryResults(r.Context(), rq)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context(), s.clock())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrAlreadyRecording), errors.Is(err, lifecycle.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrForceStopped):
		return http.StatusGone
	case errors.Is(err, capture.ErrEncodingFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid recording id %q", r.PathValue("id"))
	}
	return id, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
