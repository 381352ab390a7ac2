package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/taskbot/internal/api"
	"github.com/kalambet/taskbot/internal/config"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List or close tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetInt64("chat")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		open, err := fetchTasks(commandContext(cmd), client, chatID)
		if err != nil {
			return err
		}
		printTasks(cmd.OutOrStdout(), open)
		return nil
	},
}

var tasksCloseCmd = &cobra.Command{
	Use:   "close <chat_id> <thread_id>",
	Short: "Close a task and rename its topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		threadID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid thread id %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		t, err := closeTask(commandContext(cmd), client, chatID, threadID)
		if err != nil {
			return err
		}
		printSuccess("Closed %s", t.Title)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().Int64("chat", 0, "only tasks of this chat")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCloseCmd)
}

func fetchTasks(ctx context.Context, c *apiClient, chatID int64) ([]api.Task, error) {
	path := "/tasks"
	if chatID != 0 {
		path += "?chat_id=" + strconv.FormatInt(chatID, 10)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []api.Task
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func closeTask(ctx context.Context, c *apiClient, chatID, threadID int64) (api.Task, error) {
	resp, err := c.post(ctx, fmt.Sprintf("/tasks/%d/%d/close", chatID, threadID), nil)
	if err != nil {
		return api.Task{}, err
	}
	var t api.Task
	if err := decodeJSON(resp, &t); err != nil {
		return api.Task{}, err
	}
	return t, nil
}

func printTasks(w io.Writer, list []api.Task) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No open tasks.")
		return
	}
	for _, t := range list {
		fmt.Fprintf(w, "%s  %s  %s\n",
			colorize(colorCyan, fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)),
			t.CreatedAt,
			truncate(t.Title, 80),
		)
	}
}

// --- reminders ---

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Manage reminders",
}

var remindersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := fetchReminders(commandContext(cmd), client, !all)
		if err != nil {
			return err
		}
		printReminders(cmd.OutOrStdout(), list)
		return nil
	},
}

var remindersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a reminder",
	Long: `Schedule a reminder.

Examples:
  taskbot reminders create --chat -1001 --title standup --text "Standup in 5" --kind daily_open --time 09:55
  taskbot reminders create --chat -1001 --title deploy --text "Deploy!" --kind one_shot --time +30
  taskbot reminders create --chat -1001 --title sprint --text "Update status" --kind daily_ranged \
      --start 2026-01-10 --end 2026-01-24 --time 18:00 --target fixed --thread 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var req api.CreateReminderRequest
		req.ChatID, _ = f.GetInt64("chat")
		req.Title, _ = f.GetString("title")
		req.Text, _ = f.GetString("text")
		req.Kind, _ = f.GetString("kind")
		req.Target, _ = f.GetString("target")
		req.TargetChatID, _ = f.GetInt64("target-chat")
		req.TargetThreadID, _ = f.GetInt64("thread")
		req.Time, _ = f.GetString("time")
		req.StartDate, _ = f.GetString("start")
		req.EndDate, _ = f.GetString("end")

		if req.ChatID == 0 || req.Title == "" || req.Kind == "" || req.Time == "" {
			return fmt.Errorf("--chat, --title, --kind and --time are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rem, err := createReminder(commandContext(cmd), client, req)
		if err != nil {
			return err
		}
		printSuccess("Scheduled %q (%s)", rem.Title, rem.ID)
		return nil
	},
}

var remindersStopCmd = &cobra.Command{
	Use:   "stop <title>",
	Short: "Deactivate every active reminder with this title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := stopReminder(commandContext(cmd), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Deactivated %d reminder(s) titled %q", n, args[0])
		return nil
	},
}

func init() {
	remindersListCmd.Flags().Bool("all", false, "include inactive reminders")

	f := remindersCreateCmd.Flags()
	f.Int64("chat", 0, "owning chat id")
	f.String("title", "", "reminder title")
	f.String("text", "", "message text")
	f.String("kind", "", "one_shot, daily_ranged or daily_open")
	f.String("target", "broadcast", "broadcast or fixed")
	f.Int64("target-chat", 0, "fixed target chat (defaults to --chat)")
	f.Int64("thread", 0, "fixed target thread")
	f.String("time", "", "HH:MM, or +minutes for one_shot")
	f.String("start", "", "start date YYYY-MM-DD (daily_ranged)")
	f.String("end", "", "end date YYYY-MM-DD (daily_ranged)")

	remindersCmd.AddCommand(remindersListCmd)
	remindersCmd.AddCommand(remindersCreateCmd)
	remindersCmd.AddCommand(remindersStopCmd)
}

func fetchReminders(ctx context.Context, c *apiClient, activeOnly bool) ([]api.Reminder, error) {
	path := "/reminders"
	if activeOnly {
		path += "?active=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []api.Reminder
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func createReminder(ctx context.Context, c *apiClient, req api.CreateReminderRequest) (api.Reminder, error) {
	resp, err := c.post(ctx, "/reminders", req)
	if err != nil {
		return api.Reminder{}, err
	}
	var rem api.Reminder
	if err := decodeJSON(resp, &rem); err != nil {
		return api.Reminder{}, err
	}
	return rem, nil
}

func stopReminder(ctx context.Context, c *apiClient, title string) (int, error) {
	resp, err := c.delete(ctx, "/reminders?title="+url.QueryEscape(title))
	if err != nil {
		return 0, err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func printReminders(w io.Writer, list []api.Reminder) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No reminders.")
		return
	}
	for _, r := range list {
		when := r.TimeOfDay
		switch {
		case r.FireAt != "":
			when = r.FireAt
		case r.StartDate != "":
			when = fmt.Sprintf("%s %s..%s", r.TimeOfDay, r.StartDate, r.EndDate)
		}
		state := colorize(colorGreen, "active")
		if !r.Active {
			state = colorize(colorYellow, "inactive")
		}
		fmt.Fprintf(w, "%s  %-12s  %-9s  %s  %s\n",
			colorize(colorCyan, truncate(r.Title, 24)),
			r.Kind,
			r.Target,
			when,
			state,
		)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
