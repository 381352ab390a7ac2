package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would create a second live record
// for the same key.
var ErrConflict = errors.New("conflict")

const (
	TaskOpen   = "open"
	TaskClosed = "closed"
)

// Task is a tracked unit of work bound to one discussion thread.
type Task struct {
	ChatID    int64
	ThreadID  int64
	BaseName  string
	Status    string // "open", "closed"
	CreatedAt time.Time
	ClosedAt  time.Time // zero while open
}

const (
	KindOneShot     = "one_shot"
	KindDailyRanged = "daily_ranged"
	KindDailyOpen   = "daily_open"

	TargetBroadcast = "broadcast"
	TargetFixed     = "fixed"
)

// Reminder is a persisted reminder definition. Kind-specific fields are left
// empty for kinds that do not use them.
type Reminder struct {
	ID             string
	ChatID         int64 // owning chat; broadcast targets resolve against it
	Title          string
	Text           string
	Kind           string
	Target         string
	TargetChatID   int64
	TargetThreadID int64 // 0 means the chat's default thread
	FireAt         time.Time
	StartDate      string // YYYY-MM-DD
	EndDate        string // YYYY-MM-DD
	TimeOfDay      string // HH:MM
	Active         bool
	JobIDs         []string
	CreatedAt      time.Time
	LastFiredAt    time.Time
	DeactivatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
