package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
)

func (s *Server) planHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.planHandler: processing plan request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.planHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.planner.PlanAllUsers()
	if err != nil {
		slog.Error("Server.planHandler: planning run failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Planning run failed"))
		return
	}
	slog.Info("Server.planHandler: planning run complete", "users", stats.Users, "tasks", stats.Tasks)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.dispatchHandler: processing dispatch request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.dispatchHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := DefaultDispatchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			slog.Warn("Server.dispatchHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = n
	}

	stats, err := s.dispatcher.DispatchDue(r.Context(), limit)
	if err != nil {
		slog.Error("Server.dispatchHandler: dispatch cycle failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Dispatch cycle failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.tasksHandler: processing tasks request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.tasksHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := store.TaskFilter{
		UserID: q.Get("user"),
		Status: q.Get("status"),
	}
	if raw := q.Get("type"); raw != "" {
		taskType := models.TaskType(raw)
		if !models.IsValidTaskType(taskType) {
			slog.Warn("Server.tasksHandler: invalid task type", "type", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid task type"))
			return
		}
		filter.Type = taskType
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			slog.Warn("Server.tasksHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.store.ListTasks(filter)
	if err != nil {
		slog.Error("Server.tasksHandler: list tasks failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list tasks"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// inboundRequest reports one inbound message observed by the bot layer.
// Either user_id or external_id identifies the sender; at defaults to now.
type inboundRequest struct {
	UserID     string    `json:"user_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing inbound request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	userID := req.UserID
	if userID == "" {
		if req.ExternalID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id or external_id required"))
			return
		}
		user, err := s.store.GetUserByExternalID(req.ExternalID)
		if err != nil {
			slog.Error("Server.inboundHandler: lookup by external id failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve user"))
			return
		}
		if user == nil {
			slog.Warn("Server.inboundHandler: unknown external id", "externalID", req.ExternalID)
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
			return
		}
		userID = user.ID
	}

	result, err := s.tracker.HandleInbound(userID, req.At)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
			return
		}
		slog.Error("Server.inboundHandler: handle inbound failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process inbound message"))
		return
	}
	slog.Info("Server.inboundHandler: inbound processed", "userID", userID, "reply", result.Reply, "postponed", result.Postponed)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
