package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/taskbot/internal/api"
)

// reminderFile is the YAML layout accepted by "reminders import":
//
//	chat_id: -1001234567890
//	reminders:
//	  - title: standup
//	    text: Standup in 5 minutes
//	    kind: daily_open
//	    time: "09:55"
type reminderFile struct {
	ChatID    int64           `yaml:"chat_id"`
	Reminders []reminderEntry `yaml:"reminders"`
}

type reminderEntry struct {
	ChatID         int64  `yaml:"chat_id"`
	Title          string `yaml:"title"`
	Text           string `yaml:"text"`
	Kind           string `yaml:"kind"`
	Target         string `yaml:"target"`
	TargetChatID   int64  `yaml:"target_chat_id"`
	TargetThreadID int64  `yaml:"target_thread_id"`
	Time           string `yaml:"time"`
	StartDate      string `yaml:"start_date"`
	EndDate        string `yaml:"end_date"`
}

// parseReminderFile decodes data into create requests. Entries without a
// chat inherit the file-level chat_id.
func parseReminderFile(data []byte) ([]api.CreateReminderRequest, error) {
	var f reminderFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing reminder file: %w", err)
	}
	if len(f.Reminders) == 0 {
		return nil, fmt.Errorf("reminder file has no reminders")
	}

	out := make([]api.CreateReminderRequest, 0, len(f.Reminders))
	for i, e := range f.Reminders {
		chatID := e.ChatID
		if chatID == 0 {
			chatID = f.ChatID
		}
		if chatID == 0 {
			return nil, fmt.Errorf("reminder %d (%q): no chat_id", i+1, e.Title)
		}
		out = append(out, api.CreateReminderRequest{
			ChatID:         chatID,
			Title:          e.Title,
			Text:           e.Text,
			Kind:           e.Kind,
			Target:         e.Target,
			TargetChatID:   e.TargetChatID,
			TargetThreadID: e.TargetThreadID,
			Time:           e.Time,
			StartDate:      e.StartDate,
			EndDate:        e.EndDate,
		})
	}
	return out, nil
}

var remindersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create reminders from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		reqs, err := parseReminderFile(data)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, req := range reqs {
			rem, err := createReminder(commandContext(cmd), client, req)
			if err != nil {
				printError("%s: %v", req.Title, err)
				failed++
				continue
			}
			printSuccess("Scheduled %q (%s)", rem.Title, rem.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d reminders failed", failed, len(reqs))
		}
		return nil
	},
}

func init() {
	remindersCmd.AddCommand(remindersImportCmd)
}
