package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskbot/internal/dialog"
	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
	"github.com/kalambet/taskbot/internal/telegram"
)

type sentMessage struct {
	ChatID, ThreadID int64
	Text, ParseMode  string
}

type mockMessenger struct {
	mu        sync.Mutex
	nextID    int64
	sent      []sentMessage
	topics    []string
	renamed   map[int64]string
	pinned    []int64
	deleted   []int64
	deletedIn map[int64][]int64
	topicErr  error
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{nextID: 1000, renamed: make(map[int64]string), deletedIn: make(map[int64][]int64)}
}

func (m *mockMessenger) SendMessage(_ context.Context, chatID, threadID int64, text, parseMode string) (telegram.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMessage{chatID, threadID, text, parseMode})
	return telegram.Message{MessageID: m.nextID, Chat: telegram.Chat{ID: chatID}}, nil
}

func (m *mockMessenger) CreateTopic(_ context.Context, _ int64, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topicErr != nil {
		return 0, m.topicErr
	}
	m.topics = append(m.topics, name)
	return int64(500 + len(m.topics)), nil
}

func (m *mockMessenger) EditTopicName(_ context.Context, _, threadID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renamed[threadID] = name
	return nil
}

func (m *mockMessenger) PinMessage(_ context.Context, _, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = append(m.pinned, messageID)
	return nil
}

func (m *mockMessenger) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	m.deletedIn[chatID] = append(m.deletedIn[chatID], messageID)
	return nil
}

func (m *mockMessenger) last() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMessage{}
	}
	return m.sent[len(m.sent)-1]
}

type mockScheduler struct {
	mu          sync.Mutex
	created     []reminders.Spec
	createErr   error
	deactivated []string
	deactN      int
	deactErr    error
	list        []storage.Reminder
}

func (m *mockScheduler) Create(_ context.Context, spec reminders.Spec) (storage.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return storage.Reminder{}, m.createErr
	}
	m.created = append(m.created, spec)
	return storage.Reminder{ID: "r1", Title: spec.Title, Kind: spec.Kind, TimeOfDay: spec.TimeOfDay, Target: spec.Target}, nil
}

func (m *mockScheduler) Deactivate(title string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, title)
	return m.deactN, m.deactErr
}

func (m *mockScheduler) List(bool) ([]storage.Reminder, error) {
	return m.list, nil
}

func (m *mockScheduler) Location() *time.Location {
	return time.FixedZone("EET", 2*60*60)
}

type harness struct {
	router *Router
	msg    *mockMessenger
	sched  *mockScheduler
	tasks  *tasks.Registry
	msgID  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{msg: newMockMessenger(), sched: &mockScheduler{deactN: 1}, tasks: tasks.NewRegistry(store)}
	h.router = NewRouter(h.msg, dialog.NewEngine(), h.tasks, h.sched)
	return h
}

// say delivers a text message from user 7 in chat -100.
func (h *harness) say(thread int64, text string) {
	h.sayIn(-100, thread, text)
}

func (h *harness) sayIn(chat, thread int64, text string) {
	h.msgID++
	h.router.Handle(context.Background(), telegram.Update{
		UpdateID: h.msgID,
		Message: &telegram.Message{
			MessageID:       h.msgID,
			MessageThreadID: thread,
			IsTopicMessage:  thread != 0,
			From:            &telegram.User{ID: 7},
			Chat:            telegram.Chat{ID: chat, IsForum: true},
			Text:            text,
		},
	})
}

func TestStart_SendsHelp(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/start@taskbot")
	if !strings.Contains(h.msg.last().Text, "/newtask") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}
}

func TestNewTask_CreatesTopicPinsAndRegisters(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/newtask")
	for _, answer := range []string{"Fix login", "Users cannot sign in", "-", "alice", "Friday"} {
		h.say(0, answer)
	}

	if len(h.msg.topics) != 1 || h.msg.topics[0] != "🔴 Fix login – alice" {
		t.Fatalf("topics = %v", h.msg.topics)
	}
	summary := h.msg.last()
	if summary.ThreadID != 501 || summary.ParseMode != "Markdown" || !strings.Contains(summary.Text, "*Assignee:* alice") {
		t.Errorf("summary = %+v", summary)
	}
	if len(h.msg.pinned) != 1 {
		t.Errorf("pinned = %v", h.msg.pinned)
	}
	// 6 user messages and 5 prompts are cleaned up.
	if len(h.msg.deleted) != 11 {
		t.Errorf("deleted %d dialog messages, want 11", len(h.msg.deleted))
	}

	open, _ := h.tasks.ListOpen(-100)
	if len(open) != 1 || open[0].ThreadID != 501 || open[0].BaseName != "Fix login – alice" {
		t.Errorf("open tasks = %+v", open)
	}
}

func TestNewTask_TopicFailureRegistersNothing(t *testing.T) {
	h := newHarness(t)
	h.msg.topicErr = errors.New("not enough rights")
	h.say(0, "/newtask")
	for _, answer := range []string{"n", "d", "l", "a", "dl"} {
		h.say(0, answer)
	}
	open, _ := h.tasks.ListOpen(-100)
	if len(open) != 0 {
		t.Errorf("task registered without topic: %+v", open)
	}
	if !strings.Contains(h.msg.last().Text, "Could not create a topic") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}
}

func TestCancel_LeavesNoState(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/newtask")
	h.say(0, "half a task")
	h.say(0, "/cancel")

	if h.msg.last().Text != "Cancelled." {
		t.Errorf("reply = %q", h.msg.last().Text)
	}
	if len(h.msg.topics) != 0 {
		t.Error("topic created for cancelled dialog")
	}
	open, _ := h.tasks.ListOpen(0)
	if len(open) != 0 {
		t.Error("task registered for cancelled dialog")
	}

	h.say(0, "/cancel")
	if !strings.Contains(h.msg.last().Text, "Nothing to") {
		t.Errorf("reply without session = %q", h.msg.last().Text)
	}
}

func TestBack_RepromptsPreviousStep(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/newtask")
	h.say(0, "name")
	h.say(0, "/back")
	if !strings.Contains(h.msg.last().Text, "task name") {
		t.Errorf("prompt after back = %q", h.msg.last().Text)
	}
}

func TestNewReminder_SchedulesSpec(t *testing.T) {
	h := newHarness(t)
	h.say(9, "/newreminder")
	for _, answer := range []string{"2", "here", "Sync", "Daily sync", "3", "10:00"} {
		h.say(9, answer)
	}

	if len(h.sched.created) != 1 {
		t.Fatalf("created = %+v", h.sched.created)
	}
	spec := h.sched.created[0]
	if spec.Target != storage.TargetFixed || spec.TargetChatID != -100 || spec.TargetThreadID != 9 || spec.TimeOfDay != "10:00" {
		t.Errorf("spec = %+v", spec)
	}
	if !strings.Contains(h.msg.last().Text, `"Sync" scheduled`) {
		t.Errorf("confirmation = %q", h.msg.last().Text)
	}
}

func TestNewReminder_TitleInUse(t *testing.T) {
	h := newHarness(t)
	h.sched.createErr = fmt.Errorf("%w: %q", reminders.ErrTitleInUse, "Sync")
	h.say(0, "/newreminder")
	for _, answer := range []string{"1", "Sync", "x", "3", "10:00"} {
		h.say(0, answer)
	}
	if !strings.Contains(h.msg.last().Text, "already called") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}
}

func TestClose_RenamesTopicOnce(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tasks.Create(-100, 42, "Fix – bob"); err != nil {
		t.Fatal(err)
	}

	h.say(42, "/close")
	if h.msg.renamed[42] != "🟢 Fix – bob" {
		t.Errorf("renamed = %q", h.msg.renamed[42])
	}
	if h.msg.last().Text != "Task closed ✅" {
		t.Errorf("reply = %q", h.msg.last().Text)
	}

	h.say(42, "/close")
	if !strings.Contains(h.msg.last().Text, "no open task") {
		t.Errorf("second close reply = %q", h.msg.last().Text)
	}

	h.say(0, "/close")
	if !strings.Contains(h.msg.last().Text, "inside the task's topic") {
		t.Errorf("general-thread close reply = %q", h.msg.last().Text)
	}
}

func TestListTasks(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/tasks")
	if h.msg.last().Text != "No open tasks." {
		t.Errorf("empty list reply = %q", h.msg.last().Text)
	}
	h.tasks.Create(-100, 1, "a – x")
	h.tasks.Create(-100, 2, "b – y")
	h.say(0, "/tasks")
	if got := h.msg.last().Text; got != "Open tasks:\n🔴 a – x\n🔴 b – y" {
		t.Errorf("list reply = %q", got)
	}
}

func TestListReminders_FiltersByChat(t *testing.T) {
	h := newHarness(t)
	h.sched.list = []storage.Reminder{
		{Title: "mine", ChatID: -100, Kind: storage.KindDailyOpen, TimeOfDay: "09:00", Target: storage.TargetBroadcast},
		{Title: "theirs", ChatID: -200, TargetChatID: -200, Kind: storage.KindDailyOpen, TimeOfDay: "09:00"},
	}
	h.say(0, "/reminders")
	got := h.msg.last().Text
	if !strings.Contains(got, "mine (daily at 09:00, to all open tasks)") || strings.Contains(got, "theirs") {
		t.Errorf("reply = %q", got)
	}
}

func TestStopReminder(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/stopreminder")
	if !strings.HasPrefix(h.msg.last().Text, "Usage") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}

	h.say(0, "/stopreminder Daily sync")
	if len(h.sched.deactivated) != 1 || h.sched.deactivated[0] != "Daily sync" {
		t.Errorf("deactivated = %v", h.sched.deactivated)
	}
	if !strings.Contains(h.msg.last().Text, "stopped") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}

	h.sched.deactErr = reminders.ErrNotFound
	h.say(0, "/stopreminder gone")
	if !strings.Contains(h.msg.last().Text, "No active reminder") {
		t.Errorf("reply = %q", h.msg.last().Text)
	}
}

func TestIgnoresChatterWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.say(0, "just talking")
	if len(h.msg.sent) != 0 {
		t.Errorf("replied to chatter: %+v", h.msg.sent)
	}
}

func TestDialog_IgnoresSameUserInOtherChat(t *testing.T) {
	h := newHarness(t)
	h.say(0, "/newtask")
	h.sayIn(-200, 0, "lunch anyone?")
	chatterID := h.msgID
	for _, answer := range []string{"n", "d", "l", "a", "dl"} {
		h.say(0, answer)
	}

	if len(h.msg.topics) != 1 || h.msg.topics[0] != "🔴 n – a" {
		t.Fatalf("topics = %v", h.msg.topics)
	}
	if got := h.msg.deletedIn[-200]; len(got) != 0 {
		t.Errorf("deleted messages in other chat: %v", got)
	}
	for _, id := range h.msg.deleted {
		if id == chatterID {
			t.Errorf("chatter message %d deleted", chatterID)
		}
	}
	for _, m := range h.msg.sent {
		if m.ChatID == -200 {
			t.Errorf("replied in other chat: %+v", m)
		}
	}
}

func TestListReminders_OneShotInSchedulerZone(t *testing.T) {
	h := newHarness(t)
	h.sched.list = []storage.Reminder{{
		Title:  "demo",
		ChatID: -100,
		Kind:   storage.KindOneShot,
		FireAt: time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC),
		Target: storage.TargetFixed,
	}}
	h.say(0, "/reminders")
	if got := h.msg.last().Text; !strings.Contains(got, "demo (once at 2026-03-01 09:30 EET)") {
		t.Errorf("reply = %q", got)
	}
}
