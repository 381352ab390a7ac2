package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/taskbot/internal/schedule"
)

type Config struct {
	Telegram  TelegramConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig
	Server    ServerConfig
	Log       LogConfig
}

type TelegramConfig struct {
	BotToken    string
	APIRoot     string
	PollTimeout int   // seconds
	ChatID      int64 // chat that receives the daily nudge; 0 disables it
}

type StorageConfig struct {
	DataDir string
}

type SchedulerConfig struct {
	Timezone        string
	NudgeTime       string // HH:MM, empty disables the nudge
	DispatchTimeout time.Duration
}

type DeliveryConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Telegram: TelegramConfig{
			APIRoot:     "https://api.telegram.org",
			PollTimeout: 20,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			Timezone:        "UTC",
			NudgeTime:       "23:20",
			DispatchTimeout: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/taskbot/config.json, then applies TASKBOT_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err))
	}
	if c.Scheduler.NudgeTime != "" {
		if _, err := schedule.ParseTimeOfDay(c.Scheduler.NudgeTime); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.nudge_time: %w", err))
		}
	}
	if c.Scheduler.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.dispatch_timeout must be positive"))
	}
	if c.Delivery.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("delivery.poll_interval must be positive"))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("delivery.max_attempts must be at least 1"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// RequireBotToken reports a missing bot token with a hint on where to set it.
func (c Config) RequireBotToken() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("missing required config: Telegram bot token. Set it via environment variable TASKBOT_TELEGRAM_BOT_TOKEN")
	}
	return nil
}

// Location loads the configured time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}
