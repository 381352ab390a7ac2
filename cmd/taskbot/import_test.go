package main

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/taskbot/internal/api"
)

func TestParseReminderFile(t *testing.T) {
	data := []byte(`
chat_id: -100
reminders:
  - title: standup
    text: Standup in 5 minutes
    kind: daily_open
    time: "09:55"
  - title: sprint
    text: Update your status
    kind: daily_ranged
    target: fixed
    target_thread_id: 42
    time: "18:00"
    start_date: "2026-01-10"
    end_date: "2026-01-24"
  - chat_id: -200
    title: deploy
    text: Deploy!
    kind: one_shot
    time: "+30"
`)

	got, err := parseReminderFile(data)
	if err != nil {
		t.Fatalf("parseReminderFile: %v", err)
	}
	want := []api.CreateReminderRequest{
		{ChatID: -100, Title: "standup", Text: "Standup in 5 minutes", Kind: "daily_open", Time: "09:55"},
		{ChatID: -100, Title: "sprint", Text: "Update your status", Kind: "daily_ranged", Target: "fixed", TargetThreadID: 42, Time: "18:00", StartDate: "2026-01-10", EndDate: "2026-01-24"},
		{ChatID: -200, Title: "deploy", Text: "Deploy!", Kind: "one_shot", Time: "+30"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestParseReminderFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"not yaml", "reminders: [", "parsing reminder file"},
		{"empty", "chat_id: 1\n", "no reminders"},
		{"missing chat", "reminders:\n  - title: a\n    kind: daily_open\n    time: \"10:00\"\n", "no chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseReminderFile([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
