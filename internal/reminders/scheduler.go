// Package reminders creates, persists, restores and fires reminders.
//
// Every timer job carries only a reminder id and kind. The record and its
// destinations are resolved again at fire time, so a job never acts on a
// stale snapshot and restore only needs to recompute triggers.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/taskbot/internal/delivery"
	"github.com/kalambet/taskbot/internal/schedule"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/timer"
)

// ErrNotFound is returned by Deactivate when no active reminder matches.
var ErrNotFound = storage.ErrNotFound

// ErrInvalidSchedule wraps every validation failure of Create.
var ErrInvalidSchedule = errors.New("invalid reminder")

// ErrTitleInUse is returned by Create when an active reminder already has
// the requested title.
var ErrTitleInUse = errors.New("reminder title already in use")

// Store abstracts the reminder persistence operations.
type Store interface {
	SaveReminder(r storage.Reminder) error
	GetReminder(id string) (storage.Reminder, error)
	ListReminders(activeOnly bool) ([]storage.Reminder, error)
	SetReminderJobIDs(id string, jobIDs []string) error
	DeactivateRemindersByTitle(title string, at time.Time) ([]storage.Reminder, error)
	ConsumeReminder(id string, at time.Time) (bool, error)
	MarkReminderFired(id string, at time.Time) error
}

// TaskLister resolves broadcast targets.
type TaskLister interface {
	ListOpen(chatID int64) ([]storage.Task, error)
}

// Dispatcher delivers one message to one destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message) error
}

// Timers is the timer facility the scheduler registers jobs with.
type Timers interface {
	Add(trigger timer.Trigger, run timer.Func) (string, error)
	Remove(id string) bool
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Location        *time.Location // default UTC
	DispatchTimeout time.Duration  // per destination, default 10s
	Now             func() time.Time
}

// Spec is the user-facing definition of a new reminder.
type Spec struct {
	ChatID         int64
	Title          string
	Text           string
	Kind           string // storage.Kind*
	Target         string // storage.Target*
	TargetChatID   int64
	TargetThreadID int64
	TimeSpec       string // ONE_SHOT: HH:MM or +minutes
	StartDate      string // DAILY_RANGED
	EndDate        string // DAILY_RANGED
	TimeOfDay      string // DAILY_RANGED, DAILY_OPEN
}

// Destination is one resolved (chat, thread) pair.
type Destination struct {
	ChatID   int64
	ThreadID int64
}

// DestinationError records a failed delivery to one destination.
type DestinationError struct {
	Destination
	Err error
}

// FireReport summarises one fire of one reminder.
type FireReport struct {
	ReminderID string
	FiredAt    time.Time
	Delivered  []Destination
	Failed     []DestinationError
}

// job is the descriptor captured by a timer callback.
type job struct {
	id   string
	kind string
}

// Scheduler owns every reminder job of the process.
type Scheduler struct {
	store      Store
	tasks      TaskLister
	dispatcher Dispatcher
	timers     Timers
	loc        *time.Location
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	// mu serialises job registration, cancellation and the fire-time
	// active check, so a fire can never follow a committed deactivation.
	// For one-shots the held section also covers the dispatch.
	mu     sync.Mutex
	live   map[string][]string // reminder id -> timer job ids
	nudges map[int64]string    // chat id -> timer job id
}

// NewScheduler creates a Scheduler. No jobs are registered until Create or
// RestoreAll is called.
func NewScheduler(store Store, tasks TaskLister, dispatcher Dispatcher, timers Timers, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:      store,
		tasks:      tasks,
		dispatcher: dispatcher,
		timers:     timers,
		loc:        opts.Location,
		timeout:    opts.DispatchTimeout,
		now:        opts.Now,
		logger:     slog.Default(),
		live:       make(map[string][]string),
		nudges:     make(map[int64]string),
	}
}

// Location returns the zone all dates and times are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Create validates spec, persists the reminder as active and registers its
// job. The returned record carries its job ids.
func (s *Scheduler) Create(ctx context.Context, spec Spec) (storage.Reminder, error) {
	now := s.now()
	r, err := s.build(spec, now)
	if err != nil {
		return storage.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.titleInUse(r.Title)
	if err != nil {
		return storage.Reminder{}, err
	}
	if taken {
		return storage.Reminder{}, fmt.Errorf("%w: %q", ErrTitleInUse, r.Title)
	}

	trigger, err := s.trigger(r)
	if err != nil {
		return storage.Reminder{}, err
	}
	jobID, err := s.timers.Add(trigger, s.callback(job{id: r.ID, kind: r.Kind}))
	if err != nil {
		return storage.Reminder{}, fmt.Errorf("registering job: %w", err)
	}
	r.JobIDs = []string{jobID}

	if err := s.store.SaveReminder(r); err != nil {
		s.timers.Remove(jobID)
		return storage.Reminder{}, fmt.Errorf("saving reminder: %w", err)
	}
	s.live[r.ID] = r.JobIDs

	s.logger.Info("reminder created", "reminder_id", r.ID, "title", r.Title, "kind", r.Kind, "target", r.Target)
	return r, nil
}

func (s *Scheduler) build(spec Spec, now time.Time) (storage.Reminder, error) {
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return storage.Reminder{}, fmt.Errorf("%w: empty title", ErrInvalidSchedule)
	}
	if strings.TrimSpace(spec.Text) == "" {
		return storage.Reminder{}, fmt.Errorf("%w: empty text", ErrInvalidSchedule)
	}

	r := storage.Reminder{
		ID:        uuid.New().String(),
		ChatID:    spec.ChatID,
		Title:     title,
		Text:      spec.Text,
		Kind:      spec.Kind,
		Target:    spec.Target,
		Active:    true,
		CreatedAt: now,
	}

	switch spec.Target {
	case storage.TargetBroadcast:
		if spec.ChatID == 0 {
			return storage.Reminder{}, fmt.Errorf("%w: broadcast needs an owning chat", ErrInvalidSchedule)
		}
	case storage.TargetFixed:
		if spec.TargetChatID == 0 {
			return storage.Reminder{}, fmt.Errorf("%w: fixed target needs a chat", ErrInvalidSchedule)
		}
		r.TargetChatID = spec.TargetChatID
		r.TargetThreadID = spec.TargetThreadID
	default:
		return storage.Reminder{}, fmt.Errorf("%w: unknown target %q", ErrInvalidSchedule, spec.Target)
	}

	switch spec.Kind {
	case storage.KindOneShot:
		o, err := schedule.ParseOneShot(spec.TimeSpec)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		r.FireAt = o.Instant(now, s.loc)
	case storage.KindDailyRanged:
		start, err := schedule.ParseDate(spec.StartDate)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: start date: %w", ErrInvalidSchedule, err)
		}
		end, err := schedule.ParseDate(spec.EndDate)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: end date: %w", ErrInvalidSchedule, err)
		}
		if err := schedule.CheckRange(start, end); err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		tod, err := schedule.ParseTimeOfDay(spec.TimeOfDay)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		r.StartDate, r.EndDate, r.TimeOfDay = start, end, tod.String()
	case storage.KindDailyOpen:
		tod, err := schedule.ParseTimeOfDay(spec.TimeOfDay)
		if err != nil {
			return storage.Reminder{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		r.TimeOfDay = tod.String()
	default:
		return storage.Reminder{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, spec.Kind)
	}
	return r, nil
}

// TitleInUse reports whether an active reminder is already called title.
func (s *Scheduler) TitleInUse(title string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titleInUse(strings.TrimSpace(title))
}

func (s *Scheduler) titleInUse(title string) (bool, error) {
	active, err := s.store.ListReminders(true)
	if err != nil {
		return false, fmt.Errorf("listing active reminders: %w", err)
	}
	for _, a := range active {
		if a.Title == title {
			return true, nil
		}
	}
	return false, nil
}

// trigger derives the timer trigger from a persisted record.
func (s *Scheduler) trigger(r storage.Reminder) (timer.Trigger, error) {
	switch r.Kind {
	case storage.KindOneShot:
		if r.FireAt.IsZero() {
			return nil, fmt.Errorf("%w: reminder %s has no fire time", ErrInvalidSchedule, r.ID)
		}
		return timer.Once(r.FireAt), nil
	case storage.KindDailyRanged, storage.KindDailyOpen:
		tod, err := schedule.ParseTimeOfDay(r.TimeOfDay)
		if err != nil {
			return nil, fmt.Errorf("%w: reminder %s: %w", ErrInvalidSchedule, r.ID, err)
		}
		return timer.Daily(tod, s.loc), nil
	default:
		return nil, fmt.Errorf("%w: reminder %s has unknown kind %q", ErrInvalidSchedule, r.ID, r.Kind)
	}
}

// Deactivate marks every active reminder titled title inactive and cancels
// its jobs. It returns the number of reminders deactivated.
func (s *Scheduler) Deactivate(title string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.store.DeactivateRemindersByTitle(strings.TrimSpace(title), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("deactivating %q: %w", title, err)
	}
	for _, r := range matched {
		for _, id := range s.live[r.ID] {
			s.timers.Remove(id)
		}
		delete(s.live, r.ID)
		s.logger.Info("reminder deactivated", "reminder_id", r.ID, "title", r.Title)
	}
	return len(matched), nil
}

// RestoreAll registers jobs for every active reminder in the store. Handles
// persisted by a previous process are replaced; reminders already scheduled
// by this Scheduler are left alone, so repeated calls are harmless. It
// returns the number of reminders newly scheduled.
func (s *Scheduler) RestoreAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.ListReminders(true)
	if err != nil {
		return 0, fmt.Errorf("loading active reminders: %w", err)
	}

	restored := 0
	for _, r := range active {
		if _, ok := s.live[r.ID]; ok {
			continue
		}
		trigger, err := s.trigger(r)
		if err != nil {
			s.logger.Error("skipping unrestorable reminder", "reminder_id", r.ID, "error", err)
			continue
		}
		jobID, err := s.timers.Add(trigger, s.callback(job{id: r.ID, kind: r.Kind}))
		if err != nil {
			s.logger.Error("registering restored job failed", "reminder_id", r.ID, "error", err)
			continue
		}
		if err := s.store.SetReminderJobIDs(r.ID, []string{jobID}); err != nil {
			s.timers.Remove(jobID)
			return restored, fmt.Errorf("persisting job ids for %s: %w", r.ID, err)
		}
		s.live[r.ID] = []string{jobID}
		restored++
	}

	s.logger.Info("reminders restored", "count", restored, "active", len(active))
	return restored, nil
}

// List returns reminders, optionally only the active ones.
func (s *Scheduler) List(activeOnly bool) ([]storage.Reminder, error) {
	return s.store.ListReminders(activeOnly)
}

// StartNudge registers an in-memory daily broadcast of text to every open
// task of chatID. Calling it again for the same chat is a no-op.
func (s *Scheduler) StartNudge(chatID int64, at schedule.TimeOfDay, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nudges[chatID]; ok {
		return nil
	}
	nudge := storage.Reminder{ID: fmt.Sprintf("nudge:%d", chatID), ChatID: chatID, Text: text, Target: storage.TargetBroadcast}
	jobID, err := s.timers.Add(timer.Daily(at, s.loc), func(ctx context.Context, firedAt time.Time) {
		report := s.dispatch(ctx, nudge, firedAt)
		s.logReport(report)
	})
	if err != nil {
		return fmt.Errorf("registering nudge: %w", err)
	}
	s.nudges[chatID] = jobID
	s.logger.Info("daily nudge scheduled", "chat_id", chatID, "time", at.String())
	return nil
}

func (s *Scheduler) callback(j job) timer.Func {
	return func(ctx context.Context, firedAt time.Time) {
		report, ok, err := s.fire(ctx, j, firedAt)
		if err != nil {
			s.logger.Error("reminder fire failed", "reminder_id", j.id, "error", err)
		}
		if ok {
			s.logReport(report)
		}
	}
}

// fire runs one tick of a reminder job. It reports false when the tick was a
// no-op: the reminder is no longer live, or a ranged reminder is outside
// its date range.
func (s *Scheduler) fire(ctx context.Context, j job, firedAt time.Time) (FireReport, bool, error) {
	if j.kind == storage.KindOneShot {
		return s.fireOnce(ctx, j, firedAt)
	}
	r, ok, err := s.claim(j, firedAt)
	if err != nil || !ok {
		return FireReport{}, false, err
	}
	return s.dispatch(ctx, r, firedAt), true, nil
}

// fireOnce enqueues a one-shot's deliveries and only then consumes it, all
// under the scheduler lock. A crash in between leaves the reminder active,
// so RestoreAll fires it again rather than losing it.
func (s *Scheduler) fireOnce(ctx context.Context, j job, firedAt time.Time) (FireReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.loadLive(j.id)
	if err != nil || !ok {
		return FireReport{}, false, err
	}
	report := s.dispatch(ctx, r, firedAt)
	delete(s.live, r.ID)
	if _, err := s.store.ConsumeReminder(r.ID, firedAt); err != nil {
		return report, true, fmt.Errorf("consuming reminder: %w", err)
	}
	return report, true, nil
}

// loadLive returns the stored record of a reminder this Scheduler still
// holds jobs for, or false when it is gone or inactive. Callers hold s.mu.
func (s *Scheduler) loadLive(id string) (storage.Reminder, bool, error) {
	if _, ok := s.live[id]; !ok {
		return storage.Reminder{}, false, nil
	}
	r, err := s.store.GetReminder(id)
	if err != nil {
		return storage.Reminder{}, false, fmt.Errorf("loading reminder: %w", err)
	}
	if !r.Active {
		delete(s.live, id)
		return storage.Reminder{}, false, nil
	}
	return r, true, nil
}

// claim decides under the scheduler lock whether a daily tick dispatches,
// and records the fire before releasing the lock.
func (s *Scheduler) claim(j job, firedAt time.Time) (storage.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.loadLive(j.id)
	if err != nil || !ok {
		return storage.Reminder{}, false, err
	}

	switch j.kind {
	case storage.KindDailyRanged:
		if !schedule.InRange(firedAt, r.StartDate, r.EndDate, s.loc) {
			return storage.Reminder{}, false, nil
		}
		if err := s.store.MarkReminderFired(r.ID, firedAt); err != nil {
			return storage.Reminder{}, false, fmt.Errorf("recording fire: %w", err)
		}
	default:
		if err := s.store.MarkReminderFired(r.ID, firedAt); err != nil {
			return storage.Reminder{}, false, fmt.Errorf("recording fire: %w", err)
		}
	}
	return r, true, nil
}

// Resolve returns the destinations of r as of now.
func (s *Scheduler) Resolve(r storage.Reminder) ([]Destination, error) {
	if r.Target == storage.TargetFixed {
		return []Destination{{ChatID: r.TargetChatID, ThreadID: r.TargetThreadID}}, nil
	}
	open, err := s.tasks.ListOpen(r.ChatID)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	dests := make([]Destination, 0, len(open))
	for _, t := range open {
		dests = append(dests, Destination{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	return dests, nil
}

// dispatch sends r.Text to every destination concurrently. A failing
// destination is recorded in the report and does not affect the others.
func (s *Scheduler) dispatch(ctx context.Context, r storage.Reminder, firedAt time.Time) FireReport {
	report := FireReport{ReminderID: r.ID, FiredAt: firedAt}

	dests, err := s.Resolve(r)
	if err != nil {
		s.logger.Error("resolving destinations failed", "reminder_id", r.ID, "error", err)
		return report
	}

	errs := make([]error, len(dests))
	var g errgroup.Group
	g.SetLimit(8)
	for i, d := range dests {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			errs[i] = s.dispatcher.Dispatch(dctx, delivery.Message{
				ReminderID: r.ID,
				ChatID:     d.ChatID,
				ThreadID:   d.ThreadID,
				Text:       r.Text,
			})
			return nil
		})
	}
	g.Wait()

	for i, d := range dests {
		if errs[i] != nil {
			report.Failed = append(report.Failed, DestinationError{Destination: d, Err: errs[i]})
			continue
		}
		report.Delivered = append(report.Delivered, d)
	}
	return report
}

func (s *Scheduler) logReport(report FireReport) {
	for _, f := range report.Failed {
		s.logger.Warn("reminder delivery failed", "reminder_id", report.ReminderID,
			"chat_id", f.ChatID, "thread_id", f.ThreadID, "error", f.Err)
	}
	s.logger.Info("reminder fired", "reminder_id", report.ReminderID,
		"delivered", len(report.Delivered), "failed", len(report.Failed))
}
