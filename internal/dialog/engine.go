// Package dialog drives multi-step conversations that collect a task or a
// reminder definition. Sessions live in memory only and are keyed by
// (chat, user), so one user can hold independent dialogs in different chats.
package dialog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
)

// ErrNoSession is returned by Submit when the user has no open session.
var ErrNoSession = errors.New("no active dialog")

// ErrUnknownFlow is returned by Start for an unregistered flow.
var ErrUnknownFlow = errors.New("unknown dialog flow")

// ValidationError describes a rejected answer. The session stays on the
// same step.
type ValidationError struct {
	Field  Step
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Reserved inputs recognised at every step.
const (
	BackToken   = "/back"
	CancelToken = "/cancel"
)

func isBack(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackToken, "back", "⬅️":
		return true
	}
	return false
}

func isCancel(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case CancelToken, "cancel":
		return true
	}
	return false
}

// Answer is one collected field.
type Answer struct {
	Step  Step
	Value string
}

// Answers are kept in prompt order.
type Answers []Answer

// Get returns the answer recorded for step.
func (a Answers) Get(step Step) (string, bool) {
	for _, ans := range a {
		if ans.Step == step {
			return ans.Value, true
		}
	}
	return "", false
}

// Key identifies a session: one user in one chat.
type Key struct {
	ChatID int64
	UserID int64
}

// Session is the state of one user's conversation in one chat.
type Session struct {
	Flow     Flow
	UserID   int64
	ChatID   int64 // chat the dialog was started in
	ThreadID int64

	// history holds indices into the flow's step list; the last one is the
	// current step. answers[i] is the answer given at history[i].
	history     []int
	answers     Answers
	pendingAcks []int64

	titleTaken TitleCheck
}

func (s *Session) current() stepDef {
	return flows[s.Flow][s.history[len(s.history)-1]]
}

// OutcomeKind tells the caller what Submit produced.
type OutcomeKind int

const (
	// Prompt means the session waits for an answer to Outcome.Step.
	Prompt OutcomeKind = iota
	// Completed means the session ended with a payload.
	Completed
	// Cancelled means the session was discarded.
	Cancelled
)

// Outcome is the result of Start and Submit.
type Outcome struct {
	Kind    OutcomeKind
	Step    Step
	Prompt  string
	Invalid *ValidationError // set when the last answer was rejected

	Task     *TaskDraft      // FlowTask completion
	Reminder *reminders.Spec // FlowReminder completion
	Answers  Answers         // collected fields on completion
	Acks     []int64         // tracked message ids on completion or cancel
}

// TaskDraft is a completed task dialog.
type TaskDraft struct {
	ChatID      int64
	Name        string
	Description string
	Links       string
	Assignee    string
	Deadline    string
}

// BaseName is the task's display title without status marker.
func (d TaskDraft) BaseName() string {
	return tasks.BaseName(d.Name, d.Assignee)
}

// Summary renders the Markdown card posted into the task's thread.
func (d TaskDraft) Summary() string {
	return fmt.Sprintf("*Task:* %s\n*Description:* %s\n*Links:* %s\n*Assignee:* %s\n*Deadline:* %s",
		d.Name, d.Description, d.Links, d.Assignee, d.Deadline)
}

// TitleCheck reports whether a reminder title is already taken.
type TitleCheck func(title string) (bool, error)

// Option configures an Engine.
type Option func(*Engine)

// WithTitleCheck makes the reminder flow reject a taken title at the title
// step instead of after the last answer.
func WithTitleCheck(fn TitleCheck) Option {
	return func(e *Engine) { e.titleTaken = fn }
}

// Engine holds every session.
type Engine struct {
	mu         sync.Mutex
	sessions   map[Key]*Session
	titleTaken TitleCheck
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{sessions: make(map[Key]*Session)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens a new session for key, replacing any previous one, and
// returns the first prompt. threadID is the thread the dialog started in.
func (e *Engine) Start(flow Flow, key Key, threadID int64) (Outcome, error) {
	if _, ok := flows[flow]; !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flow)
	}
	s := &Session{
		Flow:       flow,
		UserID:     key.UserID,
		ChatID:     key.ChatID,
		ThreadID:   threadID,
		history:    []int{0},
		titleTaken: e.titleTaken,
	}

	e.mu.Lock()
	e.sessions[key] = s
	e.mu.Unlock()

	return promptFor(s, nil), nil
}

// Submit feeds one user message into the session.
func (e *Engine) Submit(key Key, raw string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[key]
	if !ok {
		return Outcome{}, ErrNoSession
	}

	if isCancel(raw) {
		delete(e.sessions, key)
		return Outcome{Kind: Cancelled, Acks: s.pendingAcks}, nil
	}

	if isBack(raw) {
		if len(s.history) > 1 {
			s.history = s.history[:len(s.history)-1]
			s.answers = s.answers[:len(s.history)-1]
		}
		return promptFor(s, nil), nil
	}

	def := s.current()
	value, err := def.parse(raw, s)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			verr = &ValidationError{Field: def.step, Reason: err.Error()}
		}
		return promptFor(s, verr), nil
	}
	s.answers = append(s.answers, Answer{Step: def.step, Value: value})

	if next, ok := nextStep(s); ok {
		s.history = append(s.history, next)
		return promptFor(s, nil), nil
	}

	delete(e.sessions, key)
	return complete(s)
}

// Track records message ids belonging to the session so they can be
// cleaned up once it ends. It is a no-op without a session.
func (e *Engine) Track(key Key, messageIDs ...int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[key]; ok {
		s.pendingAcks = append(s.pendingAcks, messageIDs...)
	}
}

// Clear discards the session and returns its tracked message ids.
func (e *Engine) Clear(key Key) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	if !ok {
		return nil
	}
	delete(e.sessions, key)
	return s.pendingAcks
}

// Active reports whether key has a session and which step it is on.
func (e *Engine) Active(key Key) (Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	if !ok {
		return "", false
	}
	return s.current().step, true
}

func promptFor(s *Session, invalid *ValidationError) Outcome {
	def := s.current()
	text := def.prompt(s.answers)
	if invalid != nil {
		text = invalid.Reason + "\n" + text
	}
	return Outcome{Kind: Prompt, Step: def.step, Prompt: text, Invalid: invalid}
}

func nextStep(s *Session) (int, bool) {
	defs := flows[s.Flow]
	for i := s.history[len(s.history)-1] + 1; i < len(defs); i++ {
		if defs[i].present(s.answers) {
			return i, true
		}
	}
	return 0, false
}

func complete(s *Session) (Outcome, error) {
	out := Outcome{Kind: Completed, Answers: s.answers, Acks: s.pendingAcks}
	get := func(step Step) string {
		v, _ := s.answers.Get(step)
		return v
	}

	switch s.Flow {
	case FlowTask:
		out.Task = &TaskDraft{
			ChatID:      s.ChatID,
			Name:        get(StepName),
			Description: get(StepDescription),
			Links:       get(StepLinks),
			Assignee:    get(StepAssignee),
			Deadline:    get(StepDeadline),
		}
	case FlowReminder:
		spec := reminders.Spec{
			ChatID: s.ChatID,
			Title:  get(StepTitle),
			Text:   get(StepText),
			Kind:   get(StepType),
			Target: get(StepTarget),
		}
		if spec.Target == storage.TargetFixed {
			chatID, threadID, err := ParseDestination(get(StepDestination))
			if err != nil {
				return Outcome{}, fmt.Errorf("stored destination: %w", err)
			}
			spec.TargetChatID, spec.TargetThreadID = chatID, threadID
		}
		switch spec.Kind {
		case storage.KindOneShot:
			spec.TimeSpec = get(StepTime)
		case storage.KindDailyRanged:
			spec.StartDate, spec.EndDate = get(StepStartDate), get(StepEndDate)
			spec.TimeOfDay = get(StepTime)
		default:
			spec.TimeOfDay = get(StepTime)
		}
		out.Reminder = &spec
	}
	return out, nil
}
