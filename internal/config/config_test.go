package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "owner_user_ids": [42]},
		"storage": {"path": "./subs.json"},
		"poll": {"interval": "1m", "debounce": "2m"}
	}`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Errorf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Poll.Interval != "1m" {
		t.Errorf("interval = %q", cfg.Poll.Interval)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
storage:
  path: ./subs.json
poll:
  interval: 30s
  debounce: 10m
logging:
  console: true
`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Poll.Debounce != "10m" {
		t.Errorf("debounce = %q", cfg.Poll.Debounce)
	}
	if !cfg.Logging.Console {
		t.Error("console not set")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "t"},
		"storage": {"path": "p"},
		"polll": {"interval": "1m"}
	}`)

	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateMissingToken(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Storage: StorageConfig{Path: "p"}})
	if err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateDebounceBelowInterval(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "t"},
		Storage:  StorageConfig{Path: "p"},
		Poll:     PollConfig{Interval: "10m", Debounce: "1m"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for debounce < interval")
	}
}

func TestValidateBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "t", PollTimeout: "soon"},
		Storage:  StorageConfig{Path: "p"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", 5*time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("90s: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "t"},
		"storage": {"path": "p"}
	}`)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get returned a different config than Load committed")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing published")
	}

	// A full buffer is drained so the subscriber always sees the newest state.
	old, newer := &Config{}, &Config{}
	m.publish(old)
	m.publish(newer)
	if got := <-ch; got != newer {
		t.Fatal("stale config delivered")
	}
}
