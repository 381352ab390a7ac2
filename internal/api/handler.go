package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/tasks"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the management API.
type AppDeps struct {
	Tasks     TaskService
	Reminders ReminderService
	Topics    TopicRenamer // optional; if nil, closed topics are not renamed
	Token     string
}

// NewAppHandler returns the management API. /health is public; everything
// else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks/{chatID}/{taskID}/close", handleCloseTask(deps))
		r.Get("/reminders", handleListReminders(deps))
		r.Post("/reminders", handleCreateReminder(deps))
		r.Delete("/reminders", handleDeactivateReminders(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var chatID int64
		if s := r.URL.Query().Get("chat_id"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid chat_id %q", s)
				return
			}
			chatID = v
		}

		open, err := deps.Tasks.ListOpen(chatID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toTasks(open))
	}
}

func handleCloseTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid chat id")
			return
		}
		threadID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task id")
			return
		}

		t, err := deps.Tasks.Close(chatID, threadID)
		if errors.Is(err, tasks.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no open task %d in chat %d", threadID, chatID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to close task: %v", err)
			return
		}

		if deps.Topics != nil {
			if err := deps.Topics.EditTopicName(r.Context(), chatID, threadID, tasks.ClosedTitle(t.BaseName)); err != nil {
				slog.Warn("renaming closed topic failed", "chat_id", chatID, "thread_id", threadID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, toTask(t))
	}
}

func handleListReminders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		list, err := deps.Reminders.List(activeOnly)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list reminders: %v", err)
			return
		}
		out := make([]Reminder, len(list))
		for i, rem := range list {
			out[i] = toReminder(rem)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateReminder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rem, err := deps.Reminders.Create(r.Context(), req.Spec())
		switch {
		case errors.Is(err, reminders.ErrInvalidSchedule):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, reminders.ErrTitleInUse):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create reminder: %v", err)
		default:
			writeJSON(w, http.StatusCreated, toReminder(rem))
		}
	}
}

func handleDeactivateReminders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("title")
		if title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		n, err := deps.Reminders.Deactivate(title)
		if errors.Is(err, reminders.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no active reminder titled %q", title)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deactivate reminders: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated", "count": n})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
