package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/oasisrun/agentplatform/internal/trigger"
)

// SchedulerServer hosts the Cron Scheduler's HTTP surface.
type SchedulerServer struct {
	scheduler *trigger.Scheduler
	logger    *slog.Logger
}

// NewSchedulerServer wires the scheduler ingress.
func NewSchedulerServer(scheduler *trigger.Scheduler, logger *slog.Logger) *SchedulerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerServer{scheduler: scheduler, logger: logger}
}

// Routes registers every scheduler endpoint on mux.
func (s *SchedulerServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
}

// Handler returns the complete scheduler HTTP handler.
func (s *SchedulerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *SchedulerServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID    string `json:"user_id"`
			Cron      string `json:"cron"`
			Text      string `json:"text"`
			SessionID string `json:"session_id"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if req.UserID == "" || req.Cron == "" {
			writeError(w, http.StatusBadRequest, "user_id and cron are required")
			return
		}
		job, err := s.scheduler.Add(req.UserID, req.SessionID, req.Cron, req.Text)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":  job.TaskID,
			"next_run": job.NextFireTime,
		})

	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tasks": s.scheduler.List()})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *SchedulerServer) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "DELETE required")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	if !s.scheduler.Delete(id) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
