package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kInt64
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "telegram.bot_token", typ: kString, env: "TASKBOT_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.api_root", typ: kString, env: "TASKBOT_TELEGRAM_API_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Telegram.APIRoot = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.APIRoot },
	},
	{
		key: "telegram.poll_timeout", typ: kInt, env: "TASKBOT_TELEGRAM_POLL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Telegram.PollTimeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Telegram.PollTimeout },
	},
	{
		key: "telegram.chat_id", typ: kInt64, env: "TASKBOT_TELEGRAM_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Telegram.ChatID = v.(int64) },
		extract: func(cfg Config) any { return cfg.Telegram.ChatID },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TASKBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "scheduler.timezone", typ: kString, env: "TASKBOT_SCHEDULER_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Timezone },
	},
	{
		key: "scheduler.nudge_time", typ: kString, env: "TASKBOT_SCHEDULER_NUDGE_TIME",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.NudgeTime = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.NudgeTime },
	},
	{
		key: "scheduler.dispatch_timeout", typ: kDuration, env: "TASKBOT_SCHEDULER_DISPATCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.DispatchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.DispatchTimeout },
	},
	{
		key: "delivery.poll_interval", typ: kDuration, env: "TASKBOT_DELIVERY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Delivery.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.PollInterval },
	},
	{
		key: "delivery.max_attempts", typ: kInt, env: "TASKBOT_DELIVERY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxAttempts },
	},
	{
		key: "server.port", typ: kInt, env: "TASKBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TASKBOT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "TASKBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the value type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kInt64:
		return strconv.ParseInt(raw, 10, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			// int64 and durations are stored as strings.
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			pv, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, pv)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
