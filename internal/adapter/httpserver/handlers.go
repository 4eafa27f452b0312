package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/queue"
)

// Server aggregates the dependencies the debug HTTP surface needs.
type Server struct {
	Cfg     config.Config
	Queue   *queue.TaskQueue
	DBCheck func(ctx context.Context) error
}

// NewServer builds a Server ready to be mounted by BuildRouter.
func NewServer(cfg config.Config, q *queue.TaskQueue, dbCheck func(ctx context.Context) error) *Server {
	return &Server{Cfg: cfg, Queue: q, DBCheck: dbCheck}
}

// HealthzHandler reports process liveness only, never touching the
// Backend; suitable for a container orchestrator's liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler additionally checks the Backend connection; suitable for
// a readiness probe that should pull this instance out of rotation when
// the store is unreachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type enqueueRequest struct {
	FuncName    string         `json:"func_name"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
	AvailableAt *time.Time     `json:"available_at"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

// EnqueueHandler accepts a JSON envelope naming a registered function and
// its call arguments, and enqueues it for a worker to pick up.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: err.Error()}})
			return
		}

		availableAt := time.Now().UTC()
		if req.AvailableAt != nil {
			availableAt = *req.AvailableAt
		}

		taskID, err := s.Queue.Enqueue(r.Context(), req.FuncName, req.Args, req.Kwargs, availableAt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{TaskID: taskID})
	}
}

// ResultHandler returns a task's terminal result, or 202 Accepted while
// the task is still pending or reserved.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		result, err := s.Queue.GetResult(ctx, id)
		if err != nil {
			var timeoutErr *queue.TimeoutError
			if errors.As(err, &timeoutErr) {
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending", "task_id": id})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
