package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/taskbot/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Worker drains reminder_delivery jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	sender  Sender
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; if timeout is <= 0, 10s.
func NewWorker(store JobStore, sender Sender, timeout, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Worker{
		store:   store,
		sender:  sender,
		timeout: timeout,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("delivery iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and sends a single delivery.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.send(ctx, job); err != nil {
		w.logger.Warn("delivery failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) send(ctx context.Context, job *storage.Job) error {
	var msg Message
	if err := json.Unmarshal([]byte(job.PayloadJSON), &msg); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.sender.SendText(ctx, msg.ChatID, msg.ThreadID, msg.Text); err != nil {
		return fmt.Errorf("sending to %d/%d: %w", msg.ChatID, msg.ThreadID, err)
	}
	w.logger.Debug("delivered", "reminder_id", msg.ReminderID, "chat_id", msg.ChatID, "thread_id", msg.ThreadID)
	return nil
}
