package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aigc-queue/internal/models"
	"aigc-queue/internal/producer"
	"aigc-queue/internal/telemetry"
)

// Server is a thin HTTP shim over the producer core; all semantics live in
// internal/producer.
type Server struct {
	producer *producer.Producer
	ping     func(ctx context.Context) error
}

// New constructs the API server. ping checks the queue backend for /healthz.
func New(p *producer.Producer, ping func(ctx context.Context) error) *Server {
	return &Server{producer: p, ping: ping}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks/{id}", s.handleStatus)
	r.Get("/queue/info", s.handleQueueInfo)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params producer.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	receipt, err := s.producer.Submit(r.Context(), params)
	if err != nil {
		if models.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.producer.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.producer.QueueInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue info failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "queue": "disconnected"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
