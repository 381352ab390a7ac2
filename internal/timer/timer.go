// Package timer is the process-wide timer facility. Jobs are registered with
// a Trigger that yields their fire instants; due jobs run as independent
// goroutines.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskbot/internal/schedule"
)

// ErrNoFireTime is returned by Add when the trigger never fires.
var ErrNoFireTime = errors.New("timer: trigger has no fire time")

// Trigger yields successive fire instants. Next is called with the current
// time when the job is added and with max(last fire, now) after every fire.
// Returning false ends the job.
type Trigger interface {
	Next(after time.Time) (time.Time, bool)
}

// Func is the work run when a job fires.
type Func func(ctx context.Context, firedAt time.Time)

type once struct {
	at   time.Time
	done bool
}

// Once fires a single time at at. An instant already in the past fires on
// the next tick.
func Once(at time.Time) Trigger {
	return &once{at: at}
}

func (o *once) Next(time.Time) (time.Time, bool) {
	if o.done {
		return time.Time{}, false
	}
	o.done = true
	return o.at, true
}

type daily struct {
	at  schedule.TimeOfDay
	loc *time.Location
}

// Daily fires every calendar day at the given wall-clock time in loc.
func Daily(at schedule.TimeOfDay, loc *time.Location) Trigger {
	return daily{at: at, loc: loc}
}

func (d daily) Next(after time.Time) (time.Time, bool) {
	return schedule.NextDaily(after, d.at, d.loc), true
}

type entry struct {
	id      string
	trigger Trigger
	next    time.Time
	run     Func
}

// Facility owns all scheduled jobs of the process.
type Facility struct {
	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	wake    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an idle Facility. Jobs may be added before Run starts; they
// fire once Run is driving the clock, or when Advance is called.
func New() *Facility {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Facility that reads the current time from now.
func NewWithClock(now func() time.Time) *Facility {
	return &Facility{
		entries: make(map[string]*entry),
		ctx:     context.Background(),
		wake:    make(chan struct{}, 1),
		now:     now,
		logger:  slog.Default(),
	}
}

// Add registers a job and returns its handle.
func (f *Facility) Add(trigger Trigger, run Func) (string, error) {
	f.mu.Lock()
	next, ok := trigger.Next(f.now())
	if !ok {
		f.mu.Unlock()
		return "", ErrNoFireTime
	}
	id := uuid.New().String()
	f.entries[id] = &entry{id: id, trigger: trigger, next: next, run: run}
	f.mu.Unlock()

	f.poke()
	return id, nil
}

// Remove cancels a job. It reports false when the handle is unknown, which
// includes one-shot jobs that already fired.
func (f *Facility) Remove(id string) bool {
	f.mu.Lock()
	_, ok := f.entries[id]
	delete(f.entries, id)
	f.mu.Unlock()

	if ok {
		f.poke()
	}
	return ok
}

// Len returns the number of registered jobs.
func (f *Facility) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// NextFire returns the next fire instant of a job.
func (f *Facility) NextFire(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

func (f *Facility) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Advance fires every job due at now and reschedules recurring ones. It
// returns the number of jobs started. Callbacks run concurrently; use Wait
// to join them.
func (f *Facility) Advance(now time.Time) int {
	f.mu.Lock()
	ctx := f.ctx
	type due struct {
		run Func
		at  time.Time
	}
	var fired []due
	for id, e := range f.entries {
		if e.next.After(now) {
			continue
		}
		fired = append(fired, due{run: e.run, at: e.next})
		after := e.next
		if now.After(after) {
			after = now
		}
		next, ok := e.trigger.Next(after)
		if !ok {
			delete(f.entries, id)
			continue
		}
		e.next = next
	}
	f.mu.Unlock()

	for _, d := range fired {
		f.wg.Add(1)
		go func(d due) {
			defer f.wg.Done()
			d.run(ctx, d.at)
		}(d)
	}
	return len(fired)
}

// Wait blocks until every started callback has returned.
func (f *Facility) Wait() {
	f.wg.Wait()
}

func (f *Facility) earliest() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first time.Time
	found := false
	for _, e := range f.entries {
		if !found || e.next.Before(first) {
			first = e.next
			found = true
		}
	}
	return first, found
}

// idleWait bounds how long Run sleeps with no jobs or a far-off job, so a
// wall-clock jump is noticed within this interval.
const idleWait = time.Minute

// Run drives the facility from the wall clock until ctx is cancelled, then
// waits for in-flight callbacks.
func (f *Facility) Run(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := idleWait
		if next, ok := f.earliest(); ok {
			if d := next.Sub(f.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			f.wg.Wait()
			return
		case <-f.wake:
		case <-timer.C:
			if n := f.Advance(f.now()); n > 0 {
				f.logger.Debug("timer jobs fired", "count", n)
			}
		}
	}
}
