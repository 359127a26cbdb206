package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/marko911/project-tally/internal/platform/storage"
)

const defaultWindowMinutes = 60

// StatsStore is the read side of the stats buckets.
type StatsStore interface {
	Rollup(ctx context.Context, since time.Time) ([]storage.StatsRollup, error)
	Buckets(ctx context.Context, since time.Time) ([]storage.StatsBucketRow, error)
}

type rollupResponse struct {
	Topic         string  `json:"topic"`
	EventType     string  `json:"eventType"`
	Total         int64   `json:"total"`
	Fail          int64   `json:"fail"`
	Dup           int64   `json:"dup"`
	FailureRate   float64 `json:"failureRate"`
	DuplicateRate float64 `json:"duplicateRate"`
}

type bucketResponse struct {
	rollupResponse
	BucketTime time.Time `json:"bucketTime"`
}

type server struct {
	store  StatsStore
	health func(ctx context.Context) error
	logger *slog.Logger
}

func newServer(store StatsStore, health func(ctx context.Context) error, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}

	return &server{
		store:  store,
		health: health,
		logger: logger.With("component", "stats-api"),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats/rollup", s.handleRollup)
	mux.HandleFunc("/stats/buckets", s.handleBuckets)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := map[string]string{"status": "healthy"}

	if s.health != nil {
		if err := s.health(req.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRollup serves one aggregate row per (topic, event-type) over a
// trailing window given in minutes.
func (s *server) handleRollup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}

	since, ok := s.windowStart(w, req)
	if !ok {
		return
	}

	rollups, err := s.store.Rollup(req.Context(), since)
	if err != nil {
		s.logger.Error("rollup query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	out := make([]rollupResponse, 0, len(rollups))
	for _, ru := range rollups {
		out = append(out, toRollupResponse(ru))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleBuckets serves the same rollup broken out per 10-minute bucket,
// most recent first, ties broken by descending total.
func (s *server) handleBuckets(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}

	since, ok := s.windowStart(w, req)
	if !ok {
		return
	}

	buckets, err := s.store.Buckets(req.Context(), since)
	if err != nil {
		s.logger.Error("buckets query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	out := make([]bucketResponse, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, bucketResponse{
			rollupResponse: toRollupResponse(storage.StatsRollup{
				Topic:     b.Topic,
				EventType: b.EventType,
				Total:     b.Total,
				Fail:      b.Fail,
				Dup:       b.Dup,
			}),
			BucketTime: b.BucketTime,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *server) windowStart(w http.ResponseWriter, req *http.Request) (time.Time, bool) {
	minutes := defaultWindowMinutes

	if raw := req.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "window must be a positive integer of minutes", http.StatusBadRequest)
			return time.Time{}, false
		}
		minutes = n
	}

	return time.Now().Add(-time.Duration(minutes) * time.Minute), true
}

func toRollupResponse(ru storage.StatsRollup) rollupResponse {
	resp := rollupResponse{
		Topic:     ru.Topic,
		EventType: ru.EventType,
		Total:     ru.Total,
		Fail:      ru.Fail,
		Dup:       ru.Dup,
	}

	if ru.Total > 0 {
		resp.FailureRate = float64(ru.Fail) / float64(ru.Total)
		resp.DuplicateRate = float64(ru.Dup) / float64(ru.Total)
	}

	return resp
}
