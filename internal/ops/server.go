// Package ops exposes the worker's operational surface: FAILED-row review and
// replay, health, Prometheus metrics, and a live websocket event feed. This is
// internal infrastructure tooling, not a business API.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/outbox"
)

const defaultFailedLimit = 50

// FailedStore is the store surface for operator review and replay.
type FailedStore interface {
	ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error)
	ReplayFailed(ctx context.Context, id uuid.UUID) error
}

// Server is the operational HTTP server.
type Server struct {
	store    FailedStore
	health   *HealthChecker
	feed     *Feed
	registry *prometheus.Registry
	httpSrv  *http.Server
}

// NewServer wires the ops routes. feed may be nil when no live tail is wanted.
func NewServer(addr string, store FailedStore, health *HealthChecker, feed *Feed, registry *prometheus.Registry) *Server {
	s := &Server{
		store:    store,
		health:   health,
		feed:     feed,
		registry: registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /failed", s.handleListFailed)
	mux.HandleFunc("POST /failed/{id}/replay", s.handleReplay)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if feed != nil {
		mux.Handle("GET /ws/feed", feed)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           cors.Default().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("ops server started")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.feed != nil {
		s.feed.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// failedRecord is the review representation of a FAILED row.
type failedRecord struct {
	ID            uuid.UUID `json:"id"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	EventType     string    `json:"event_type"`
	TopicName     string    `json:"topic_name"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.ListFailed(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list failed records")
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	out := make([]failedRecord, 0, len(records))
	for _, rec := range records {
		fr := failedRecord{
			ID:            rec.ID,
			AggregateID:   rec.AggregateID,
			AggregateType: rec.AggregateType,
			EventType:     rec.EventType,
			TopicName:     rec.TopicName,
			RetryCount:    rec.RetryCount,
			MaxRetries:    rec.MaxRetries,
			CreatedAt:     rec.CreatedAt,
			UpdatedAt:     rec.UpdatedAt,
		}
		if rec.LastError != nil {
			fr.LastError = *rec.LastError
		}
		out = append(out, fr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	if err := s.store.ReplayFailed(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no failed record with that id")
			return
		}
		log.Error().Err(err).Str("record_id", id.String()).Msg("replay failed")
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	log.Info().Str("record_id", id.String()).Msg("failed record queued for replay")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
