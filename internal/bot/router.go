// Package bot routes inbound Telegram updates to dialogs, the task registry
// and the reminder scheduler.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/taskbot/internal/dialog"
	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
	"github.com/kalambet/taskbot/internal/telegram"
)

// Messenger is the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) (telegram.Message, error)
	CreateTopic(ctx context.Context, chatID int64, name string) (int64, error)
	EditTopicName(ctx context.Context, chatID, threadID int64, name string) error
	PinMessage(ctx context.Context, chatID, messageID int64) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// TaskRegistry is the subset of tasks.Registry the router uses.
type TaskRegistry interface {
	Create(chatID, threadID int64, baseName string) (storage.Task, error)
	Close(chatID, threadID int64) (storage.Task, error)
	ListOpen(chatID int64) ([]storage.Task, error)
}

// ReminderScheduler is the subset of reminders.Scheduler the router uses.
type ReminderScheduler interface {
	Create(ctx context.Context, spec reminders.Spec) (storage.Reminder, error)
	Deactivate(title string) (int, error)
	List(activeOnly bool) ([]storage.Reminder, error)
	Location() *time.Location
}

const helpText = `Hi! I track tasks as forum topics and send reminders.

/newtask - create a task in its own topic
/newreminder - schedule a reminder
/close - close the task of the current topic
/tasks - list open tasks
/reminders - list active reminders
/stopreminder <title> - stop a reminder
/back - previous question, /cancel - abort`

// Router handles one update at a time.
type Router struct {
	msg       Messenger
	dialogs   *dialog.Engine
	tasks     TaskRegistry
	reminders ReminderScheduler
	logger    *slog.Logger
}

func NewRouter(msg Messenger, dialogs *dialog.Engine, tasks TaskRegistry, reminders ReminderScheduler) *Router {
	return &Router{
		msg:       msg,
		dialogs:   dialogs,
		tasks:     tasks,
		reminders: reminders,
		logger:    slog.Default(),
	}
}

// inbound is the part of an update the router acts on.
type inbound struct {
	chatID    int64
	threadID  int64
	userID    int64
	messageID int64
	text      string
}

// key scopes dialog sessions to the chat the message came from.
func (in inbound) key() dialog.Key {
	return dialog.Key{ChatID: in.chatID, UserID: in.userID}
}

// Handle processes one update. Transport failures are logged, never
// returned.
func (r *Router) Handle(ctx context.Context, u telegram.Update) {
	m := u.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return
	}
	in := inbound{
		chatID:    m.Chat.ID,
		userID:    m.From.ID,
		messageID: m.MessageID,
		text:      strings.TrimSpace(m.Text),
	}
	if m.IsTopicMessage {
		in.threadID = m.MessageThreadID
	}
	if in.text == "" {
		return
	}

	cmd, args := splitCommand(in.text)
	switch cmd {
	case "/start", "/help":
		r.reply(ctx, in, helpText)
	case "/newtask":
		r.startDialog(ctx, in, dialog.FlowTask)
	case "/newreminder":
		r.startDialog(ctx, in, dialog.FlowReminder)
	case "/close":
		r.closeTask(ctx, in)
	case "/tasks":
		r.listTasks(ctx, in)
	case "/reminders":
		r.listReminders(ctx, in)
	case "/stopreminder":
		r.stopReminder(ctx, in, args)
	case dialog.BackToken, dialog.CancelToken:
		if _, ok := r.dialogs.Active(in.key()); !ok {
			r.reply(ctx, in, "Nothing to go back to or cancel.")
			return
		}
		r.submit(ctx, in, cmd)
	default:
		if _, ok := r.dialogs.Active(in.key()); ok {
			r.submit(ctx, in, in.text)
		}
	}
}

// splitCommand returns the lower-cased command without a @bot suffix and
// the remaining text. Non-commands return an empty command.
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

func (r *Router) reply(ctx context.Context, in inbound, text string) int64 {
	return r.send(ctx, in.chatID, in.threadID, text, "")
}

func (r *Router) send(ctx context.Context, chatID, threadID int64, text, parseMode string) int64 {
	sent, err := r.msg.SendMessage(ctx, chatID, threadID, text, parseMode)
	if err != nil {
		r.logger.Warn("sending message failed", "chat_id", chatID, "thread_id", threadID, "error", err)
		return 0
	}
	return sent.MessageID
}

func (r *Router) startDialog(ctx context.Context, in inbound, flow dialog.Flow) {
	// A restarted dialog leaves the old prompts behind for cleanup.
	r.cleanup(ctx, in.chatID, r.dialogs.Clear(in.key()))

	out, err := r.dialogs.Start(flow, in.key(), in.threadID)
	if err != nil {
		r.logger.Error("starting dialog failed", "flow", flow, "error", err)
		return
	}
	r.dialogs.Track(in.key(), in.messageID)
	r.prompt(ctx, in, out)
}

func (r *Router) prompt(ctx context.Context, in inbound, out dialog.Outcome) {
	if id := r.reply(ctx, in, out.Prompt); id != 0 {
		r.dialogs.Track(in.key(), id)
	}
}

func (r *Router) submit(ctx context.Context, in inbound, text string) {
	r.dialogs.Track(in.key(), in.messageID)
	out, err := r.dialogs.Submit(in.key(), text)
	if err != nil {
		if !errors.Is(err, dialog.ErrNoSession) {
			r.logger.Error("dialog submit failed", "user_id", in.userID, "error", err)
		}
		return
	}

	switch out.Kind {
	case dialog.Prompt:
		r.prompt(ctx, in, out)
	case dialog.Cancelled:
		r.cleanup(ctx, in.chatID, out.Acks)
		r.reply(ctx, in, "Cancelled.")
	case dialog.Completed:
		switch {
		case out.Task != nil:
			r.finishTask(ctx, in, *out.Task, out.Acks)
		case out.Reminder != nil:
			r.finishReminder(ctx, in, *out.Reminder, out.Acks)
		}
	}
}

// finishTask opens a topic for the task, posts and pins its summary, then
// registers it.
func (r *Router) finishTask(ctx context.Context, in inbound, draft dialog.TaskDraft, acks []int64) {
	base := draft.BaseName()
	threadID, err := r.msg.CreateTopic(ctx, draft.ChatID, tasks.OpenTitle(base))
	if err != nil {
		r.logger.Warn("creating task topic failed", "chat_id", draft.ChatID, "error", err)
		r.reply(ctx, in, "Could not create a topic for the task. Is this a forum chat and am I an admin?")
		return
	}

	if id := r.send(ctx, draft.ChatID, threadID, draft.Summary(), "Markdown"); id != 0 {
		if err := r.msg.PinMessage(ctx, draft.ChatID, id); err != nil {
			r.logger.Warn("pinning task summary failed", "chat_id", draft.ChatID, "thread_id", threadID, "error", err)
		}
	}
	r.cleanup(ctx, in.chatID, acks)

	if _, err := r.tasks.Create(draft.ChatID, threadID, base); err != nil {
		r.logger.Error("registering task failed", "chat_id", draft.ChatID, "thread_id", threadID, "error", err)
		r.send(ctx, draft.ChatID, threadID, "The topic was created but the task could not be saved.", "")
		return
	}
	r.logger.Info("task created", "chat_id", draft.ChatID, "thread_id", threadID, "name", base)
}

func (r *Router) finishReminder(ctx context.Context, in inbound, spec reminders.Spec, acks []int64) {
	rem, err := r.reminders.Create(ctx, spec)
	r.cleanup(ctx, in.chatID, acks)
	switch {
	case errors.Is(err, reminders.ErrTitleInUse):
		r.reply(ctx, in, fmt.Sprintf("An active reminder is already called %q. Pick another title with /newreminder.", spec.Title))
	case errors.Is(err, reminders.ErrInvalidSchedule):
		r.reply(ctx, in, "Could not schedule the reminder: "+err.Error())
	case err != nil:
		r.logger.Error("creating reminder failed", "title", spec.Title, "error", err)
		r.reply(ctx, in, "Could not save the reminder, please try again.")
	default:
		r.reply(ctx, in, fmt.Sprintf("Reminder %q scheduled (%s).", rem.Title, describe(rem, r.reminders.Location())))
	}
}

// cleanup deletes dialog messages. Failures are expected for messages
// users already removed and are only logged.
func (r *Router) cleanup(ctx context.Context, chatID int64, ids []int64) {
	for _, id := range ids {
		if err := r.msg.DeleteMessage(ctx, chatID, id); err != nil {
			r.logger.Debug("deleting dialog message failed", "chat_id", chatID, "message_id", id, "error", err)
		}
	}
}

func (r *Router) closeTask(ctx context.Context, in inbound) {
	if in.threadID == 0 {
		r.reply(ctx, in, "Use /close inside the task's topic.")
		return
	}
	t, err := r.tasks.Close(in.chatID, in.threadID)
	if errors.Is(err, tasks.ErrNotFound) {
		r.reply(ctx, in, "There is no open task in this topic.")
		return
	}
	if err != nil {
		r.logger.Error("closing task failed", "chat_id", in.chatID, "thread_id", in.threadID, "error", err)
		r.reply(ctx, in, "Could not close the task, please try again.")
		return
	}
	if err := r.msg.EditTopicName(ctx, in.chatID, in.threadID, tasks.ClosedTitle(t.BaseName)); err != nil {
		r.logger.Warn("renaming closed topic failed", "chat_id", in.chatID, "thread_id", in.threadID, "error", err)
	}
	r.reply(ctx, in, "Task closed ✅")
}

func (r *Router) listTasks(ctx context.Context, in inbound) {
	open, err := r.tasks.ListOpen(in.chatID)
	if err != nil {
		r.logger.Error("listing tasks failed", "chat_id", in.chatID, "error", err)
		return
	}
	if len(open) == 0 {
		r.reply(ctx, in, "No open tasks.")
		return
	}
	var b strings.Builder
	b.WriteString("Open tasks:")
	for _, t := range open {
		fmt.Fprintf(&b, "\n%s", tasks.OpenTitle(t.BaseName))
	}
	r.reply(ctx, in, b.String())
}

func (r *Router) listReminders(ctx context.Context, in inbound) {
	active, err := r.reminders.List(true)
	if err != nil {
		r.logger.Error("listing reminders failed", "error", err)
		return
	}
	var b strings.Builder
	for _, rem := range active {
		if rem.ChatID != in.chatID && rem.TargetChatID != in.chatID {
			continue
		}
		fmt.Fprintf(&b, "\n• %s (%s)", rem.Title, describe(rem, r.reminders.Location()))
	}
	if b.Len() == 0 {
		r.reply(ctx, in, "No active reminders.")
		return
	}
	r.reply(ctx, in, "Active reminders:"+b.String())
}

func (r *Router) stopReminder(ctx context.Context, in inbound, title string) {
	if title == "" {
		r.reply(ctx, in, "Usage: /stopreminder <title>")
		return
	}
	n, err := r.reminders.Deactivate(title)
	if errors.Is(err, reminders.ErrNotFound) {
		r.reply(ctx, in, fmt.Sprintf("No active reminder called %q.", title))
		return
	}
	if err != nil {
		r.logger.Error("deactivating reminder failed", "title", title, "error", err)
		r.reply(ctx, in, "Could not stop the reminder, please try again.")
		return
	}
	if n == 1 {
		r.reply(ctx, in, fmt.Sprintf("Reminder %q stopped.", title))
		return
	}
	r.reply(ctx, in, fmt.Sprintf("%d reminders called %q stopped.", n, title))
}

// describe renders a reminder's schedule for humans in the scheduler's zone.
func describe(r storage.Reminder, loc *time.Location) string {
	var when string
	switch r.Kind {
	case storage.KindOneShot:
		when = "once at " + r.FireAt.In(loc).Format("2006-01-02 15:04 MST")
	case storage.KindDailyRanged:
		when = fmt.Sprintf("daily at %s from %s to %s", r.TimeOfDay, r.StartDate, r.EndDate)
	default:
		when = "daily at " + r.TimeOfDay
	}
	if r.Target == storage.TargetBroadcast {
		return when + ", to all open tasks"
	}
	return when
}
