package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/taskbot/internal/storage"
)

// ErrNotFound is returned when a task does not exist or is already closed.
var ErrNotFound = storage.ErrNotFound

// ErrAlreadyOpen is returned when creating a task for a thread that already
// tracks an open task.
var ErrAlreadyOpen = errors.New("task already open")

// Store abstracts the persistence operations the registry needs.
type Store interface {
	SaveTask(t storage.Task) error
	GetTask(chatID, threadID int64) (storage.Task, error)
	CloseTask(chatID, threadID int64, at time.Time) (storage.Task, error)
	ListOpenTasks(chatID int64) ([]storage.Task, error)
}

// Registry tracks the open/closed lifecycle of tasks. Every mutation is
// committed to the store before it is reported back.
type Registry struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Create registers a new open task for an externally created thread.
func (r *Registry) Create(chatID, threadID int64, baseName string) (storage.Task, error) {
	t := storage.Task{
		ChatID:    chatID,
		ThreadID:  threadID,
		BaseName:  baseName,
		Status:    storage.TaskOpen,
		CreatedAt: r.now().UTC().Truncate(time.Second),
	}
	if err := r.store.SaveTask(t); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Task{}, fmt.Errorf("thread %d in chat %d: %w", threadID, chatID, ErrAlreadyOpen)
		}
		return storage.Task{}, fmt.Errorf("saving task: %w", err)
	}
	r.logger.Info("task opened", "chat_id", chatID, "thread_id", threadID, "name", baseName)
	return t, nil
}

// Close transitions an open task to closed. A second call for the same task
// returns ErrNotFound.
func (r *Registry) Close(chatID, threadID int64) (storage.Task, error) {
	t, err := r.store.CloseTask(chatID, threadID, r.now())
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Task{}, ErrNotFound
	}
	if err != nil {
		return storage.Task{}, fmt.Errorf("closing task: %w", err)
	}
	r.logger.Info("task closed", "chat_id", chatID, "thread_id", threadID)
	return t, nil
}

// ListOpen returns open tasks in creation order. chatID 0 lists every chat.
func (r *Registry) ListOpen(chatID int64) ([]storage.Task, error) {
	tasks, err := r.store.ListOpenTasks(chatID)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	return tasks, nil
}

// Find returns the open task bound to the thread, or ok=false.
func (r *Registry) Find(chatID, threadID int64) (storage.Task, bool, error) {
	t, err := r.store.GetTask(chatID, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Task{}, false, nil
	}
	if err != nil {
		return storage.Task{}, false, fmt.Errorf("finding task: %w", err)
	}
	if t.Status != storage.TaskOpen {
		return storage.Task{}, false, nil
	}
	return t, true, nil
}

// OpenTitle and ClosedTitle render the topic name for a task in each state.
func OpenTitle(baseName string) string {
	return "🔴 " + baseName
}

func ClosedTitle(baseName string) string {
	return "🟢 " + baseName
}

// BaseName builds the immutable display title from the task name and assignee.
func BaseName(name, assignee string) string {
	return fmt.Sprintf("%s – %s", name, assignee)
}
