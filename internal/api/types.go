package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
)

// TaskService is the task registry as seen by the API.
type TaskService interface {
	ListOpen(chatID int64) ([]storage.Task, error)
	Close(chatID, threadID int64) (storage.Task, error)
}

// ReminderService is the reminder scheduler as seen by the API.
type ReminderService interface {
	Create(ctx context.Context, spec reminders.Spec) (storage.Reminder, error)
	Deactivate(title string) (int, error)
	List(activeOnly bool) ([]storage.Reminder, error)
}

// TopicRenamer renames a task's topic after it is closed.
type TopicRenamer interface {
	EditTopicName(ctx context.Context, chatID, threadID int64, name string) error
}

// Task is the wire form of a task.
type Task struct {
	ChatID    int64  `json:"chat_id"`
	ThreadID  int64  `json:"thread_id"`
	BaseName  string `json:"base_name"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	ClosedAt  string `json:"closed_at,omitempty"`
}

func toTask(t storage.Task) Task {
	out := Task{
		ChatID:    t.ChatID,
		ThreadID:  t.ThreadID,
		BaseName:  t.BaseName,
		Title:     tasks.OpenTitle(t.BaseName),
		Status:    t.Status,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.Status == storage.TaskClosed {
		out.Title = tasks.ClosedTitle(t.BaseName)
		out.ClosedAt = t.ClosedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func toTasks(ts []storage.Task) []Task {
	out := make([]Task, len(ts))
	for i, t := range ts {
		out[i] = toTask(t)
	}
	return out
}

// Reminder is the wire form of a reminder.
type Reminder struct {
	ID             string   `json:"id"`
	ChatID         int64    `json:"chat_id"`
	Title          string   `json:"title"`
	Text           string   `json:"text"`
	Kind           string   `json:"kind"`
	Target         string   `json:"target"`
	TargetChatID   int64    `json:"target_chat_id,omitempty"`
	TargetThreadID int64    `json:"target_thread_id,omitempty"`
	FireAt         string   `json:"fire_at,omitempty"`
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	TimeOfDay      string   `json:"time_of_day,omitempty"`
	Active         bool     `json:"active"`
	JobIDs         []string `json:"job_ids"`
	CreatedAt      string   `json:"created_at"`
	LastFiredAt    string   `json:"last_fired_at,omitempty"`
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toReminder(r storage.Reminder) Reminder {
	jobIDs := r.JobIDs
	if jobIDs == nil {
		jobIDs = []string{}
	}
	return Reminder{
		ID:             r.ID,
		ChatID:         r.ChatID,
		Title:          r.Title,
		Text:           r.Text,
		Kind:           r.Kind,
		Target:         r.Target,
		TargetChatID:   r.TargetChatID,
		TargetThreadID: r.TargetThreadID,
		FireAt:         formatOptional(r.FireAt),
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		TimeOfDay:      r.TimeOfDay,
		Active:         r.Active,
		JobIDs:         jobIDs,
		CreatedAt:      formatOptional(r.CreatedAt),
		LastFiredAt:    formatOptional(r.LastFiredAt),
	}
}

// CreateReminderRequest is the body of POST /reminders and the argument set
// of the create_reminder tool. Time is HH:MM, or +minutes for one_shot.
type CreateReminderRequest struct {
	ChatID         int64  `json:"chat_id"`
	Title          string `json:"title"`
	Text           string `json:"text"`
	Kind           string `json:"kind"`
	Target         string `json:"target"`
	TargetChatID   int64  `json:"target_chat_id"`
	TargetThreadID int64  `json:"target_thread_id"`
	Time           string `json:"time"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
}

// Spec converts the request into a scheduler spec. A fixed target without
// an explicit chat defaults to the owning chat.
func (req CreateReminderRequest) Spec() reminders.Spec {
	spec := reminders.Spec{
		ChatID:         req.ChatID,
		Title:          req.Title,
		Text:           req.Text,
		Kind:           strings.ToLower(strings.TrimSpace(req.Kind)),
		Target:         strings.ToLower(strings.TrimSpace(req.Target)),
		TargetChatID:   req.TargetChatID,
		TargetThreadID: req.TargetThreadID,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
	}
	if spec.Target == "" {
		spec.Target = storage.TargetBroadcast
	}
	if spec.Target == storage.TargetFixed && spec.TargetChatID == 0 {
		spec.TargetChatID = req.ChatID
	}
	if spec.Kind == storage.KindOneShot {
		spec.TimeSpec = req.Time
	} else {
		spec.TimeOfDay = req.Time
	}
	return spec
}

func describeDeactivation(title string, n int) string {
	if n == 1 {
		return fmt.Sprintf("Deactivated reminder %q", title)
	}
	return fmt.Sprintf("Deactivated %d reminders titled %q", n, title)
}
