package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error { m.strs[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *memBackend) Delete(key string) error {
	delete(m.strs, key)
	delete(m.ints, key)
	return nil
}

// clearEnv blanks every TASKBOT_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskbot", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.APIRoot != "https://api.telegram.org" {
		t.Errorf("Telegram.APIRoot = %q", cfg.Telegram.APIRoot)
	}
	if cfg.Telegram.PollTimeout != 20 {
		t.Errorf("Telegram.PollTimeout = %d, want 20", cfg.Telegram.PollTimeout)
	}
	if cfg.Telegram.ChatID != 0 {
		t.Errorf("Telegram.ChatID = %d, want 0", cfg.Telegram.ChatID)
	}
	if cfg.Storage.DataDir != filepath.Join("/xdg/data", "taskbot") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Scheduler.Timezone != "UTC" {
		t.Errorf("Scheduler.Timezone = %q, want UTC", cfg.Scheduler.Timezone)
	}
	if cfg.Scheduler.NudgeTime != "23:20" {
		t.Errorf("Scheduler.NudgeTime = %q, want 23:20", cfg.Scheduler.NudgeTime)
	}
	if cfg.Scheduler.DispatchTimeout != 10*time.Second {
		t.Errorf("Scheduler.DispatchTimeout = %v, want 10s", cfg.Scheduler.DispatchTimeout)
	}
	if cfg.Delivery.PollInterval != 500*time.Millisecond {
		t.Errorf("Delivery.PollInterval = %v, want 500ms", cfg.Delivery.PollInterval)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Delivery.MaxAttempts = %d, want 3", cfg.Delivery.MaxAttempts)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestFileBackendValues(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
  "telegram.chat_id": "-1001234567890",
  "telegram.poll_timeout": 45,
  "scheduler.timezone": "Europe/Kyiv",
  "scheduler.dispatch_timeout": "3s",
  "server.port": 8088
}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.ChatID != -1001234567890 {
		t.Errorf("Telegram.ChatID = %d", cfg.Telegram.ChatID)
	}
	if cfg.Telegram.PollTimeout != 45 {
		t.Errorf("Telegram.PollTimeout = %d, want 45", cfg.Telegram.PollTimeout)
	}
	if cfg.Scheduler.Timezone != "Europe/Kyiv" {
		t.Errorf("Scheduler.Timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Scheduler.DispatchTimeout != 3*time.Second {
		t.Errorf("Scheduler.DispatchTimeout = %v, want 3s", cfg.Scheduler.DispatchTimeout)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 9000

	t.Setenv("TASKBOT_SERVER_PORT", "9100")
	t.Setenv("TASKBOT_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TASKBOT_API_TOKEN", "secret")
	t.Setenv("TASKBOT_TELEGRAM_CHAT_ID", "-42")
	t.Setenv("TASKBOT_DELIVERY_POLL_INTERVAL", "2s")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken = %q", cfg.Telegram.BotToken)
	}
	if cfg.Server.APIToken != "secret" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
	if cfg.Telegram.ChatID != -42 {
		t.Errorf("Telegram.ChatID = %d, want -42", cfg.Telegram.ChatID)
	}
	if cfg.Delivery.PollInterval != 2*time.Second {
		t.Errorf("Delivery.PollInterval = %v, want 2s", cfg.Delivery.PollInterval)
	}
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKBOT_SERVER_PORT", "not-a-port")
	t.Setenv("TASKBOT_SCHEDULER_DISPATCH_TIMEOUT", "soon")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
	if cfg.Scheduler.DispatchTimeout != 10*time.Second {
		t.Errorf("Scheduler.DispatchTimeout = %v, want default", cfg.Scheduler.DispatchTimeout)
	}
}

func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"telegram.bot_token": "from-file", "server.api_token": "from-file"}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.BotToken != "" || cfg.Server.APIToken != "" {
		t.Errorf("secrets loaded from file: %+v", cfg)
	}
	if err := cfg.RequireBotToken(); err == nil || !strings.Contains(err.Error(), "TASKBOT_TELEGRAM_BOT_TOKEN") {
		t.Errorf("RequireBotToken() = %v, want hint about env var", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad timezone", "TASKBOT_SCHEDULER_TIMEZONE", "Mars/Olympus", "scheduler.timezone"},
		{"bad nudge time", "TASKBOT_SCHEDULER_NUDGE_TIME", "25:00", "scheduler.nudge_time"},
		{"zero attempts", "TASKBOT_DELIVERY_MAX_ATTEMPTS", "0", "delivery.max_attempts"},
		{"negative timeout", "TASKBOT_SCHEDULER_DISPATCH_TIMEOUT", "-1s", "scheduler.dispatch_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := loadWith(newMemBackend())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("loadWith() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestEmptyNudgeTimeDisables(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strs["scheduler.nudge_time"] = ""

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// An empty file value is skipped, so the default stays.
	if cfg.Scheduler.NudgeTime != "23:20" {
		t.Errorf("Scheduler.NudgeTime = %q", cfg.Scheduler.NudgeTime)
	}

	cfg.Scheduler.NudgeTime = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with empty nudge time = %v", err)
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "taskbot", "config.json")
	b := newFileBackend(path)

	if err := setKeyWith(b, "server.port", "5000"); err != nil {
		t.Fatalf("set server.port: %v", err)
	}
	if err := setKeyWith(b, "telegram.chat_id", "-100777"); err != nil {
		t.Fatalf("set telegram.chat_id: %v", err)
	}
	if err := setKeyWith(b, "delivery.poll_interval", "1s"); err != nil {
		t.Fatalf("set delivery.poll_interval: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Telegram.ChatID != -100777 {
		t.Errorf("Telegram.ChatID = %d, want -100777", cfg.Telegram.ChatID)
	}
	if cfg.Delivery.PollInterval != time.Second {
		t.Errorf("Delivery.PollInterval = %v, want 1s", cfg.Delivery.PollInterval)
	}
}

func TestSetKeyErrors(t *testing.T) {
	b := newMemBackend()
	tests := []struct {
		key, val string
		want     string
	}{
		{"telegram.bot_token", "x", "cannot set secret"},
		{"nope.key", "x", "unknown config key"},
		{"server.port", "abc", "invalid value"},
		{"scheduler.dispatch_timeout", "10", "invalid value"},
	}
	for _, tt := range tests {
		err := setKeyWith(b, tt.key, tt.val)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKeyWith(%s, %s) = %v, want %q", tt.key, tt.val, err, tt.want)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Telegram.BotToken = "should-not-show"

	for _, ki := range ShowAll(cfg) {
		if ki.Key == "telegram.bot_token" || ki.Key == "server.api_token" {
			t.Errorf("ShowAll exposed secret key %s", ki.Key)
		}
		if ki.Value == "should-not-show" {
			t.Errorf("ShowAll exposed secret value under %s", ki.Key)
		}
	}
	if got, want := len(ValidKeys()), len(specs)-2; got != want {
		t.Errorf("len(ValidKeys()) = %d, want %d", got, want)
	}
}

func TestFileBackend_CorruptFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"server.port": `)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestFileBackend_NumericChatIDAndIntErrors(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"telegram.chat_id": -1001234567890, "server.port": 80.5}`)

	b := newFileBackend(path)
	if v, ok, err := b.GetString("telegram.chat_id"); err != nil || !ok || v != "-1001234567890" {
		t.Errorf("GetString(chat_id) = %q, %v, %v", v, ok, err)
	}
	if _, err := loadWith(b); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("loadWith() error = %v, want server.port integer error", err)
	}
}

func TestFileBackend_WriteLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskbot", "config.json")
	b := newFileBackend(path)
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetString("log.level"); ok {
		t.Error("deleted key still present after reload")
	}
}
