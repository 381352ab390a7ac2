package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskbot/internal/storage"
)

// JobType is the job queue type used for outbound reminder messages.
const JobType = "reminder_delivery"

// Message is one outbound notification to a single destination.
type Message struct {
	ReminderID string `json:"reminder_id,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int64  `json:"thread_id,omitempty"` // 0 means the chat's default thread
	Text       string `json:"text"`
}

// Sender delivers text to a chat thread. The Telegram client satisfies it.
type Sender interface {
	SendText(ctx context.Context, chatID, threadID int64, text string) error
}

// Direct sends each message inline, bounded by timeout.
type Direct struct {
	sender  Sender
	timeout time.Duration
}

// NewDirect creates a dispatcher that calls sender synchronously.
// If timeout is <= 0, it defaults to 10s.
func NewDirect(sender Sender, timeout time.Duration) *Direct {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Direct{sender: sender, timeout: timeout}
}

func (d *Direct) Dispatch(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.SendText(ctx, msg.ChatID, msg.ThreadID, msg.Text); err != nil {
		return fmt.Errorf("sending to %d/%d: %w", msg.ChatID, msg.ThreadID, err)
	}
	return nil
}

// Enqueuer abstracts the job queue insert.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// Queue dispatches by writing one job per message to the outbox; Worker
// sends them later with retries.
type Queue struct {
	store       Enqueuer
	maxAttempts int
}

// NewQueue creates an outbox dispatcher. If maxAttempts is <= 0, the store
// default applies.
func NewQueue(store Enqueuer, maxAttempts int) *Queue {
	return &Queue{store: store, maxAttempts: maxAttempts}
}

func (q *Queue) Dispatch(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding delivery: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing delivery: %w", err)
	}
	return nil
}
