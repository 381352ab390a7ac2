package dialog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/taskbot/internal/schedule"
	"github.com/kalambet/taskbot/internal/storage"
)

// Flow selects which record a session collects.
type Flow string

const (
	FlowTask     Flow = "task"
	FlowReminder Flow = "reminder"
)

// Step names one prompt of a flow. Answers are keyed by step.
type Step string

const (
	StepName        Step = "name"
	StepDescription Step = "description"
	StepLinks       Step = "links"
	StepAssignee    Step = "assignee"
	StepDeadline    Step = "deadline"

	StepTarget      Step = "target"
	StepDestination Step = "destination"
	StepTitle       Step = "title"
	StepText        Step = "text"
	StepType        Step = "type"
	StepStartDate   Step = "start_date"
	StepEndDate     Step = "end_date"
	StepTime        Step = "time"
)

// Presence says when a step is part of the path through its flow.
type Presence int

const (
	// Always steps are on every path.
	Always Presence = iota
	// IfFixedTarget steps appear only after a fixed target was chosen.
	IfFixedTarget
	// IfRanged steps appear only for daily reminders with a date range.
	IfRanged
)

type stepDef struct {
	step     Step
	presence Presence
	prompt   func(a Answers) string
	parse    func(raw string, s *Session) (string, error)
}

var flows = map[Flow][]stepDef{
	FlowTask: {
		{step: StepName, prompt: static("Enter the task name:"), parse: nonEmpty(StepName)},
		{step: StepDescription, prompt: static("Describe the task:"), parse: nonEmpty(StepDescription)},
		{step: StepLinks, prompt: static("Paste any links (or \"-\" if there are none):"), parse: nonEmpty(StepLinks)},
		{step: StepAssignee, prompt: static("Who is responsible?"), parse: nonEmpty(StepAssignee)},
		{step: StepDeadline, prompt: static("What is the deadline?"), parse: nonEmpty(StepDeadline)},
	},
	FlowReminder: {
		{step: StepTarget, prompt: static("Who gets the reminder?\n1 - every open task\n2 - one chat or thread"), parse: parseTarget},
		{step: StepDestination, presence: IfFixedTarget, prompt: static("Where should it go? Send \"here\" or <chat_id>[:<thread_id>]."), parse: parseDestination},
		{step: StepTitle, prompt: static("Give the reminder a short title:"), parse: parseTitle},
		{step: StepText, prompt: static("What should the reminder say?"), parse: nonEmpty(StepText)},
		{step: StepType, prompt: static("How often?\n1 - once\n2 - daily between two dates\n3 - daily"), parse: parseKind},
		{step: StepStartDate, presence: IfRanged, prompt: static("First day (YYYY-MM-DD):"), parse: parseStartDate},
		{step: StepEndDate, presence: IfRanged, prompt: static("Last day (YYYY-MM-DD):"), parse: parseEndDate},
		{step: StepTime, prompt: timePrompt, parse: parseTime},
	},
}

// Steps returns the path through flow implied by answers so far. Steps whose
// presence depends on an unanswered step are included optimistically.
func Steps(flow Flow, a Answers) []Step {
	var out []Step
	for _, d := range flows[flow] {
		if d.present(a) {
			out = append(out, d.step)
		}
	}
	return out
}

func (d stepDef) present(a Answers) bool {
	switch d.presence {
	case IfFixedTarget:
		v, ok := a.Get(StepTarget)
		return !ok || v == storage.TargetFixed
	case IfRanged:
		v, ok := a.Get(StepType)
		return !ok || v == storage.KindDailyRanged
	default:
		return true
	}
}

func static(text string) func(Answers) string {
	return func(Answers) string { return text }
}

func timePrompt(a Answers) string {
	if v, _ := a.Get(StepType); v == storage.KindOneShot {
		return "When? HH:MM, or +<minutes> from now:"
	}
	return "At what time each day? HH:MM:"
}

func nonEmpty(field Step) func(string, *Session) (string, error) {
	return func(raw string, _ *Session) (string, error) {
		v := strings.TrimSpace(raw)
		if v == "" {
			return "", &ValidationError{Field: field, Reason: "answer cannot be empty"}
		}
		return v, nil
	}
}

// parseTitle rejects empty titles and, when the engine has a title check,
// titles an active reminder already uses.
func parseTitle(raw string, s *Session) (string, error) {
	v, err := nonEmpty(StepTitle)(raw, s)
	if err != nil || s.titleTaken == nil {
		return v, err
	}
	taken, err := s.titleTaken(v)
	if err != nil {
		return "", &ValidationError{Field: StepTitle, Reason: "could not check the title, send it again"}
	}
	if taken {
		return "", &ValidationError{Field: StepTitle, Reason: fmt.Sprintf("an active reminder is already called %q, pick another title", v)}
	}
	return v, nil
}

func parseTarget(raw string, _ *Session) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "all", "broadcast":
		return storage.TargetBroadcast, nil
	case "2", "one", "fixed":
		return storage.TargetFixed, nil
	}
	return "", &ValidationError{Field: StepTarget, Reason: "answer 1 or 2"}
}

// parseDestination resolves "here" against the session origin and
// normalises explicit destinations to "<chat>:<thread>".
func parseDestination(raw string, s *Session) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "here" {
		return formatDestination(s.ChatID, s.ThreadID), nil
	}
	chatID, threadID, err := ParseDestination(v)
	if err != nil {
		return "", &ValidationError{Field: StepDestination, Reason: err.Error()}
	}
	return formatDestination(chatID, threadID), nil
}

// ParseDestination splits "<chat>[:<thread>]". A missing thread is 0.
func ParseDestination(v string) (chatID, threadID int64, err error) {
	chatPart, threadPart, hasThread := strings.Cut(strings.TrimSpace(v), ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("expected \"here\" or <chat_id>[:<thread_id>]")
	}
	if hasThread {
		threadID, err = strconv.ParseInt(threadPart, 10, 64)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("thread id must be a positive number")
		}
	}
	return chatID, threadID, nil
}

func formatDestination(chatID, threadID int64) string {
	return fmt.Sprintf("%d:%d", chatID, threadID)
}

func parseKind(raw string, _ *Session) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "once":
		return storage.KindOneShot, nil
	case "2", "range":
		return storage.KindDailyRanged, nil
	case "3", "daily":
		return storage.KindDailyOpen, nil
	}
	return "", &ValidationError{Field: StepType, Reason: "answer 1, 2 or 3"}
}

func parseStartDate(raw string, _ *Session) (string, error) {
	d, err := schedule.ParseDate(raw)
	if err != nil {
		return "", &ValidationError{Field: StepStartDate, Reason: "use YYYY-MM-DD"}
	}
	return d, nil
}

func parseEndDate(raw string, s *Session) (string, error) {
	d, err := schedule.ParseDate(raw)
	if err != nil {
		return "", &ValidationError{Field: StepEndDate, Reason: "use YYYY-MM-DD"}
	}
	start, _ := s.answers.Get(StepStartDate)
	if err := schedule.CheckRange(start, d); err != nil {
		return "", &ValidationError{Field: StepEndDate, Reason: "must not be before " + start}
	}
	return d, nil
}

func parseTime(raw string, s *Session) (string, error) {
	if kind, _ := s.answers.Get(StepType); kind == storage.KindOneShot {
		o, err := schedule.ParseOneShot(raw)
		if err != nil {
			return "", &ValidationError{Field: StepTime, Reason: "use HH:MM or +<minutes>"}
		}
		if o.IsRelative() {
			return fmt.Sprintf("+%d", int(o.Relative/time.Minute)), nil
		}
		return o.At.String(), nil
	}
	t, err := schedule.ParseTimeOfDay(raw)
	if err != nil {
		return "", &ValidationError{Field: StepTime, Reason: "use HH:MM"}
	}
	return t.String(), nil
}
