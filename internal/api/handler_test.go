package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/taskbot/internal/delivery"
	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
	"github.com/kalambet/taskbot/internal/timer"
)

const testToken = "test-token-12345"

type mockRenamer struct {
	mu      sync.Mutex
	renamed map[int64]string
}

func (m *mockRenamer) EditTopicName(_ context.Context, _, threadID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.renamed == nil {
		m.renamed = make(map[int64]string)
	}
	m.renamed[threadID] = name
	return nil
}

type testEnv struct {
	store     *storage.Store
	tasks     *tasks.Registry
	reminders *reminders.Scheduler
	timers    *timer.Facility
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := tasks.NewRegistry(store)
	timers := timer.New()
	sched := reminders.NewScheduler(store, reg, delivery.NewQueue(store, 0), timers, reminders.Options{})
	return &testEnv{store: store, tasks: reg, reminders: sched, timers: timers}
}

func setupAppHandler(t *testing.T, token string) (http.Handler, *testEnv, *mockRenamer) {
	t.Helper()
	env := newTestEnv(t)
	renamer := &mockRenamer{}
	h := NewAppHandler(AppDeps{Tasks: env.tasks, Reminders: env.reminders, Topics: renamer, Token: token})
	return h, env, renamer
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_Required(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	for _, token := range []string{"", "wrong"} {
		rr := serve(h, authReq(http.MethodGet, "/tasks", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuth_EmptyServerTokenRejects(t *testing.T) {
	h, _, _ := setupAppHandler(t, "")
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestListTasks(t *testing.T) {
	h, env, _ := setupAppHandler(t, testToken)
	env.tasks.Create(-100, 1, "a – x")
	env.tasks.Create(-200, 2, "b – y")

	rr := serve(h, authReq(http.MethodGet, "/tasks?chat_id=-100", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got []Task
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ThreadID != 1 || got[0].Title != "🔴 a – x" {
		t.Errorf("tasks = %+v", got)
	}

	rr = serve(h, authReq(http.MethodGet, "/tasks", "", testToken))
	json.Unmarshal(rr.Body.Bytes(), &got)
	if len(got) != 2 {
		t.Errorf("all chats: %d tasks, want 2", len(got))
	}

	rr = serve(h, authReq(http.MethodGet, "/tasks?chat_id=abc", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad chat_id status = %d", rr.Code)
	}
}

func TestListTasks_EmptyIsArray(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)
	rr := serve(h, authReq(http.MethodGet, "/tasks", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestCloseTask(t *testing.T) {
	h, env, renamer := setupAppHandler(t, testToken)
	env.tasks.Create(-100, 42, "Fix – bob")

	rr := serve(h, authReq(http.MethodPost, "/tasks/-100/42/close", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got Task
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Status != storage.TaskClosed || got.Title != "🟢 Fix – bob" || got.ClosedAt == "" {
		t.Errorf("task = %+v", got)
	}
	if renamer.renamed[42] != "🟢 Fix – bob" {
		t.Errorf("topic renamed to %q", renamer.renamed[42])
	}

	rr = serve(h, authReq(http.MethodPost, "/tasks/-100/42/close", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", rr.Code)
	}
	rr = serve(h, authReq(http.MethodPost, "/tasks/-100/x/close", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rr.Code)
	}
}

func TestCreateReminder(t *testing.T) {
	h, env, _ := setupAppHandler(t, testToken)

	body := `{"chat_id":-100,"title":"Sync","text":"Daily sync","kind":"daily_open","target":"fixed","target_thread_id":9,"time":"10:00"}`
	rr := serve(h, authReq(http.MethodPost, "/reminders", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got Reminder
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.ID == "" || !got.Active || got.TargetChatID != -100 || got.TargetThreadID != 9 || len(got.JobIDs) != 1 {
		t.Errorf("reminder = %+v", got)
	}
	if env.timers.Len() != 1 {
		t.Errorf("jobs = %d, want 1", env.timers.Len())
	}

	rr = serve(h, authReq(http.MethodPost, "/reminders", body, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate title status = %d, want 409", rr.Code)
	}
}

func TestCreateReminder_Invalid(t *testing.T) {
	h, env, _ := setupAppHandler(t, testToken)

	bodies := []string{
		`not json`,
		`{"chat_id":-100,"title":"x","text":"y","kind":"daily_ranged","time":"09:00","start_date":"2024-01-12","end_date":"2024-01-10"}`,
		`{"chat_id":-100,"title":"x","text":"y","kind":"one_shot","time":"soon"}`,
		`{"chat_id":-100,"title":"x","text":"y","kind":"hourly","time":"09:00"}`,
	}
	for _, body := range bodies {
		rr := serve(h, authReq(http.MethodPost, "/reminders", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
	all, _ := env.store.ListReminders(false)
	if len(all) != 0 {
		t.Errorf("invalid requests persisted %d reminders", len(all))
	}
}

func TestListAndDeactivateReminders(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)
	for _, title := range []string{"a", "b"} {
		body := `{"chat_id":-100,"title":"` + title + `","text":"t","kind":"daily_open","time":"09:00"}`
		if rr := serve(h, authReq(http.MethodPost, "/reminders", body, testToken)); rr.Code != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, rr.Code, rr.Body.String())
		}
	}

	rr := serve(h, authReq(http.MethodDelete, "/reminders?title=a", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["count"] != float64(1) {
		t.Errorf("response = %v", resp)
	}

	rr = serve(h, authReq(http.MethodGet, "/reminders?active=true", "", testToken))
	var active []Reminder
	json.Unmarshal(rr.Body.Bytes(), &active)
	if len(active) != 1 || active[0].Title != "b" {
		t.Errorf("active = %+v", active)
	}

	rr = serve(h, authReq(http.MethodGet, "/reminders", "", testToken))
	var all []Reminder
	json.Unmarshal(rr.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}

	if rr := serve(h, authReq(http.MethodDelete, "/reminders?title=a", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("second deactivate status = %d, want 404", rr.Code)
	}
	if rr := serve(h, authReq(http.MethodDelete, "/reminders", "", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want 400", rr.Code)
	}
}

func TestCreateReminderRequest_Spec(t *testing.T) {
	one := CreateReminderRequest{ChatID: -100, Kind: "ONE_SHOT", Time: "+15"}.Spec()
	if one.Kind != storage.KindOneShot || one.TimeSpec != "+15" || one.TimeOfDay != "" || one.Target != storage.TargetBroadcast {
		t.Errorf("one-shot spec = %+v", one)
	}
	fixed := CreateReminderRequest{ChatID: -100, Kind: "daily_open", Target: "fixed", Time: "09:00"}.Spec()
	if fixed.TargetChatID != -100 || fixed.TimeOfDay != "09:00" {
		t.Errorf("fixed spec = %+v", fixed)
	}
}
