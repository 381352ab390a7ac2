package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/taskbot/internal/api"
	"github.com/kalambet/taskbot/internal/bot"
	"github.com/kalambet/taskbot/internal/config"
	"github.com/kalambet/taskbot/internal/delivery"
	"github.com/kalambet/taskbot/internal/dialog"
	"github.com/kalambet/taskbot/internal/reminders"
	"github.com/kalambet/taskbot/internal/schedule"
	"github.com/kalambet/taskbot/internal/storage"
	"github.com/kalambet/taskbot/internal/tasks"
	"github.com/kalambet/taskbot/internal/telegram"
	"github.com/kalambet/taskbot/internal/timer"
)

const nudgeText = "🔔 Reminder: the task is still open!"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bot, scheduler and management API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running taskbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show taskbot status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "taskbot.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "taskbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireBotToken(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("taskbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("something is already listening on port %d", cfg.Server.Port)
		return fmt.Errorf("port %d already in use", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading time zone: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	tg := telegram.New(cfg.Telegram.APIRoot, cfg.Telegram.BotToken)
	me, err := tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking bot token: %w", err)
	}
	slog.Info("connected to Telegram", "bot", me.Username)

	registry := tasks.NewRegistry(store)
	timers := timer.New()
	outbox := delivery.NewQueue(store, cfg.Delivery.MaxAttempts)
	worker := delivery.NewWorker(store, tg, cfg.Scheduler.DispatchTimeout, cfg.Delivery.PollInterval)
	sched := reminders.NewScheduler(store, registry, outbox, timers, reminders.Options{
		Location:        loc,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
	})

	// Restore before polling so no command can race a half-loaded schedule.
	restored, err := sched.RestoreAll()
	if err != nil {
		return fmt.Errorf("restoring reminders: %w", err)
	}
	slog.Info("reminders restored", "count", restored)

	if cfg.Telegram.ChatID != 0 && cfg.Scheduler.NudgeTime != "" {
		at, err := schedule.ParseTimeOfDay(cfg.Scheduler.NudgeTime)
		if err != nil {
			return fmt.Errorf("scheduler.nudge_time: %w", err)
		}
		if err := sched.StartNudge(cfg.Telegram.ChatID, at, nudgeText); err != nil {
			return err
		}
	}

	router := bot.NewRouter(tg, dialog.NewEngine(dialog.WithTitleCheck(sched.TitleInUse)), registry, sched)
	poller := telegram.NewPoller(tg, cfg.Telegram.PollTimeout)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		timers.Run(gctx)
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		poller.Run(gctx, router.Handle)
		return nil
	})

	if cfg.Server.APIToken != "" {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
		srv := &http.Server{
			Addr: addr,
			Handler: api.NewAppHandler(api.AppDeps{
				Tasks:     registry,
				Reminders: sched,
				Topics:    tg,
				Token:     cfg.Server.APIToken,
			}),
		}
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "taskbot API listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		slog.Warn("management API disabled: TASKBOT_API_TOKEN is not set")
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Tasks: registry, Reminders: sched})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	// Let in-flight fires finish enqueueing before the store closes.
	timers.Wait()
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("taskbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop taskbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to taskbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Time zone", "%s", cfg.Scheduler.Timezone)
	if cfg.Telegram.ChatID != 0 && cfg.Scheduler.NudgeTime != "" {
		printStatus("Daily nudge", "%s in chat %d", cfg.Scheduler.NudgeTime, cfg.Telegram.ChatID)
	} else {
		printStatus("Daily nudge", "disabled")
	}

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if open, err := fetchTasks(ctx, c, 0); err == nil {
			printStatus("Open tasks", "%d", len(open))
		}
		if active, err := fetchReminders(ctx, c, true); err == nil {
			printStatus("Active reminders", "%d", len(active))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
