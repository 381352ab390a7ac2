// Package schedule parses the time formats users type into dialogs and
// computes fire instants from them in a configured time zone.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format accepted for date ranges.
const DateLayout = "2006-01-02"

var (
	ErrBadTime     = errors.New("time must be HH:MM (24h)")
	ErrBadDate     = errors.New("date must be YYYY-MM-DD")
	ErrBadRelative = errors.New("relative time must be +<minutes>")
	ErrDateOrder   = errors.New("end date is before start date")
)

var timeOfDayRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" in 24h form. A single-digit hour is allowed.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := timeOfDayRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("%q: %w", s, ErrBadTime)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at t on the calendar day of day, as seen in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// NextDaily returns the first instant strictly after after at which the
// wall clock in loc shows t.
func NextDaily(after time.Time, t TimeOfDay, loc *time.Location) time.Time {
	candidate := t.On(after, loc)
	if !candidate.After(after) {
		d := after.In(loc)
		candidate = time.Date(d.Year(), d.Month(), d.Day()+1, t.Hour, t.Minute, 0, 0, loc)
	}
	return candidate
}

// ParseDate validates a YYYY-MM-DD calendar date and returns it normalized.
func ParseDate(s string) (string, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%q: %w", s, ErrBadDate)
	}
	return d.Format(DateLayout), nil
}

// CheckRange validates that both dates parse and start <= end.
func CheckRange(start, end string) error {
	s, err := ParseDate(start)
	if err != nil {
		return err
	}
	e, err := ParseDate(end)
	if err != nil {
		return err
	}
	if e < s {
		return fmt.Errorf("%s < %s: %w", e, s, ErrDateOrder)
	}
	return nil
}

// DateOf renders the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// InRange reports whether the calendar day of t in loc lies within
// [start, end], both inclusive. Normalized dates compare lexically.
func InRange(t time.Time, start, end string, loc *time.Location) bool {
	day := DateOf(t, loc)
	return start <= day && day <= end
}

// OneShot is a single fire time, either relative to creation or a wall-clock time.
type OneShot struct {
	Relative time.Duration // set for "+N"
	At       TimeOfDay     // set for "HH:MM"
}

func (o OneShot) IsRelative() bool {
	return o.Relative > 0
}

// ParseOneShot accepts "+<minutes>" or "HH:MM".
func ParseOneShot(s string) (OneShot, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		n, err := strconv.Atoi(s[1:])
		if err != nil || n <= 0 {
			return OneShot{}, fmt.Errorf("%q: %w", s, ErrBadRelative)
		}
		return OneShot{Relative: time.Duration(n) * time.Minute}, nil
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return OneShot{}, err
	}
	return OneShot{At: t}, nil
}

// Instant resolves o against now. A wall-clock time already past today
// rolls forward to the same time tomorrow.
func (o OneShot) Instant(now time.Time, loc *time.Location) time.Time {
	if o.IsRelative() {
		return now.Add(o.Relative)
	}
	at := o.At.On(now, loc)
	if at.Before(now) {
		n := now.In(loc)
		at = time.Date(n.Year(), n.Month(), n.Day()+1, o.At.Hour, o.At.Minute, 0, 0, loc)
	}
	return at
}
