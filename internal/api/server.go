// Package api is the loopback status and intake surface consumed by the
// on-device UI: enqueue endpoints for user actions, badge counters, and
// operator access to the dead-letter queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picktrack/fieldsync/internal/intake"
	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/internal/store"
)

// WorkerStatus is what the handlers need to know about the sync worker.
type WorkerStatus interface {
	Online() bool
	Draining() bool
	Nudge()
}

// LedgerReader serves the derived aggregate queries. Totals come from the
// backend by aggregation, so these endpoints only work while online.
type LedgerReader interface {
	CountForSubject(ctx context.Context, subjectID string, from, to time.Time) (int64, error)
}

type Server struct {
	intake *intake.Service
	store  *store.Store
	worker WorkerStatus
	ledger LedgerReader
	logger *slog.Logger
}

func NewServer(svc *intake.Service, st *store.Store, worker WorkerStatus, ledger LedgerReader, logger *slog.Logger) *Server {
	return &Server{intake: svc, store: st, worker: worker, ledger: ledger, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scans", s.handleScan)
		r.Post("/messages", s.handleMessage)
		r.Post("/attendance", s.handleAttendance)

		r.Get("/queue/counts", s.handleCounts)
		r.Post("/queue/drain", s.handleDrain)

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/requeue", s.handleRequeueDeadLetter)
		r.Delete("/deadletters", s.handleClearDeadLetters)

		r.Get("/journal", s.handleJournal)

		r.Get("/subjects/{id}/count", s.handleSubjectCount)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"online":   s.worker.Online(),
		"draining": s.worker.Draining(),
	})
}

type scanRequest struct {
	Code      string   `json:"code"`
	Grade     string   `json:"grade,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.intake.RecordScan(r.Context(), req.Code, req.Grade, req.Latitude, req.Longitude)
	s.respondEnqueue(w, id, err)
}

type messageRequest struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.intake.RecordMessage(r.Context(), req.Channel, req.Body)
	s.respondEnqueue(w, id, err)
}

type attendanceRequest struct {
	Badge     string   `json:"badge"`
	Type      string   `json:"type"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.intake.RecordAttendance(r.Context(), req.Badge, models.AttendanceType(req.Type), req.Latitude, req.Longitude)
	s.respondEnqueue(w, id, err)
}

func (s *Server) respondEnqueue(w http.ResponseWriter, id string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"item_id": id})
	case errors.Is(err, intake.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate action suppressed")
	case errors.Is(err, intake.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue item")
	}
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.intake.PendingCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}
	dead, err := s.intake.DeadLetterCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending":       pending,
		"dead_lettered": dead,
		"online":        s.worker.Online(),
		"draining":      s.worker.Draining(),
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.worker.Nudge()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "drain requested"})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListDeadLettered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []models.QueuedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.RequeueDeadLetter(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to requeue dead letter")
	default:
		s.worker.Nudge()
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "item_id": id})
	}
}

func (s *Server) handleClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearDeadLettered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleSubjectCount returns a picker's bucket total for one day, derived
// by aggregation over the backend ledger. 503 while offline.
func (s *Server) handleSubjectCount(w http.ResponseWriter, r *http.Request) {
	if !s.worker.Online() {
		writeError(w, http.StatusServiceUnavailable, "backend unreachable, totals need connectivity")
		return
	}

	day := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.Local)
	to := from.Add(24 * time.Hour)

	subjectID := chi.URLParam(r, "id")
	n, err := s.ledger.CountForSubject(r.Context(), subjectID, from, to)
	if err != nil {
		s.logger.Error("Subject count query failed", "subject_id", subjectID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to query backend ledger")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"date":       from.Format("2006-01-02"),
		"count":      n,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentJournal(r.Context(), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server online", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
