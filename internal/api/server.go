// Package api exposes the local agent surface under /_agent/: the page
// websocket endpoint, queue inspection and repair, push relay, health and
// metrics. It is served by the gateway itself, never proxied upstream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/events"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/models"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pages is the slice of the hub the agent surface needs.
type Pages interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	Notify(ctx context.Context, push models.PushPayload)
	ClientCount() int
}

// Syncer requests a drain cycle from the processor.
type Syncer interface {
	Kick()
}

// Server routes agent requests. It holds no HTTP listener of its own; the
// gateway mounts Handler() on its internal prefix.
type Server struct {
	store  *queue.Store
	pages  Pages
	syncer Syncer
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewServer(store *queue.Store, pages Pages, syncer Syncer, bus *events.EventBus, logger *zerolog.Logger) *Server {
	return &Server{
		store:  store,
		pages:  pages,
		syncer: syncer,
		bus:    bus,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/_agent/ws", s.pages.HandleWS)
	mux.HandleFunc("/_agent/push", s.handlePush)
	mux.HandleFunc("/_agent/sync/entries", s.handleEnqueue)
	mux.HandleFunc("/_agent/sync/failed", s.handleFailed)
	mux.HandleFunc("/_agent/sync/retry/", s.handleRetry)
	mux.HandleFunc("/_agent/sync/pending-count", s.handlePendingCount)
	mux.HandleFunc("/_agent/healthz", s.handleHealthz)
	mux.Handle("/_agent/metrics", promhttp.Handler())

	return s.loggingMiddleware(mux)
}

// handleEnqueue records an offline mutation into the durable queue and
// wakes the processor.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		ActionType string          `json:"action_type"`
		Payload    json.RawMessage `json:"payload"`
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var body request
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !models.KnownAction(body.ActionType) {
		writeError(w, http.StatusBadRequest, "unknown action_type")
		return
	}
	if len(body.Payload) == 0 || !json.Valid(body.Payload) {
		writeError(w, http.StatusBadRequest, "payload must be a JSON value")
		return
	}

	entry := &models.SyncEntry{
		ActionType: body.ActionType,
		Payload:    string(body.Payload),
	}
	if err := s.store.Enqueue(r.Context(), entry); err != nil {
		s.logger.Error().Err(err).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "could not record entry")
		return
	}

	if s.syncer != nil {
		s.syncer.Kick()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	failed, err := s.store.FailedEntries(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed entries read")
		writeError(w, http.StatusInternalServerError, "could not read queue")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": failed})
}

// handleRetry moves one failed entry back to pending with a fresh attempt
// budget and wakes the processor.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/_agent/sync/retry/"
	id := strings.TrimPrefix(r.URL.Path, prefix)
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "entry id is required")
		return
	}

	if err := s.store.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFailed) {
			writeError(w, http.StatusConflict, "entry is not in failed state")
			return
		}
		s.logger.Error().Err(err).Str("entry", id).Msg("requeue failed")
		writeError(w, http.StatusInternalServerError, "could not requeue entry")
		return
	}

	if s.bus != nil {
		_ = s.bus.PublishJSON(events.EventEntryRequeued, map[string]string{"id": id})
	}
	if s.syncer != nil {
		s.syncer.Kick()
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": models.SyncStatusPending})
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	count, err := s.store.CountPending(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("pending count read")
		writeError(w, http.StatusInternalServerError, "could not read queue")
		return
	}

	writeJSON(w, http.StatusOK, models.PendingCountPayload{Count: count})
}

// handlePush relays a notification to every connected page. An empty body
// falls back to the default title and body.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var push models.PushPayload
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &push); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	s.pages.Notify(r.Context(), push)
	writeJSON(w, http.StatusOK, map[string]any{"delivered_to": s.pages.ClientCount()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// writer would break it.
		if r.URL.Path == "/_agent/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("agent request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
