package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marko911/project-tally/internal/follow"
	"github.com/marko911/project-tally/internal/ingest"
)

// FollowWriter is the write boundary behind the HTTP surface.
type FollowWriter interface {
	Follow(ctx context.Context, sourceID, targetID string) (string, error)
	Unfollow(ctx context.Context, edgeID string) error
}

// CountReader serves follower counts, cache first with a durable fallback.
type CountReader interface {
	GetCount(ctx context.Context, targetID string) (int64, bool, error)
}

// Server holds the follow API dependencies.
type Server struct {
	writer  FollowWriter
	counts  CountReader
	durable func(ctx context.Context, targetID string) (int64, error)
	health  func(ctx context.Context) error
	logger  *slog.Logger
}

// NewServer creates a new follow API server. counts may be nil when the cache
// is disabled.
func NewServer(
	writer FollowWriter,
	counts CountReader,
	durable func(ctx context.Context, targetID string) (int64, error),
	health func(ctx context.Context) error,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		writer:  writer,
		counts:  counts,
		durable: durable,
		health:  health,
		logger:  logger.With("component", "follow-api"),
	}
}

// Router returns the HTTP handler for the follow API.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/follows", s.handleFollows)
	mux.HandleFunc("/api/v1/follows/", s.handleFollowByID)
	mux.HandleFunc("/api/v1/targets/", s.handleTargetCount)

	return s.loggingMiddleware(mux)
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(ingest.EnsureTraceID(r.Context())))

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy"}
	code := http.StatusOK

	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, status)
}

type followRequest struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

type followResponse struct {
	EdgeID string `json:"edgeId"`
}

// handleFollows creates a follow edge and publishes the increment event.
func (s *Server) handleFollows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	edgeID, err := s.writer.Follow(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		if errors.Is(err, follow.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("follow failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, followResponse{EdgeID: edgeID})
}

// handleFollowByID cancels a follow edge and publishes the decrement event.
func (s *Server) handleFollowByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	edgeID := strings.TrimPrefix(r.URL.Path, "/api/v1/follows/")
	if edgeID == "" || strings.Contains(edgeID, "/") {
		http.Error(w, "edge id required", http.StatusBadRequest)
		return
	}

	if err := s.writer.Unfollow(r.Context(), edgeID); err != nil {
		if errors.Is(err, follow.ErrEdgeNotCancellable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("unfollow failed", "edge_id", edgeID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type countResponse struct {
	TargetID string `json:"targetId"`
	Count    int64  `json:"count"`
	Cached   bool   `json:"cached"`
}

// handleTargetCount reads a target's follower count, preferring the cache and
// falling back to the durable counter.
func (s *Server) handleTargetCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/targets/")
	targetID, ok := strings.CutSuffix(rest, "/count")
	if !ok || targetID == "" || strings.Contains(targetID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if s.counts != nil {
		count, hit, err := s.counts.GetCount(r.Context(), targetID)
		if err != nil {
			s.logger.Warn("cache read failed", "target_id", targetID, "error", err)
		} else if hit {
			writeJSON(w, http.StatusOK, countResponse{TargetID: targetID, Count: count, Cached: true})
			return
		}
	}

	count, err := s.durable(r.Context(), targetID)
	if err != nil {
		s.logger.Error("counter read failed", "target_id", targetID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, countResponse{TargetID: targetID, Count: count, Cached: false})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
