package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/jedisos
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Vault.SocketPath != filepath.Join("/srv/jedisos", "vault.sock") {
		t.Errorf("vault socket = %q", cfg.Vault.SocketPath)
	}
	if cfg.Skills.BundleRoot != filepath.Join("/srv/jedisos", "skills") {
		t.Errorf("bundle root = %q", cfg.Skills.BundleRoot)
	}
	if cfg.Memory.ReflectSchedule != "@every 6h" {
		t.Errorf("reflect schedule = %q", cfg.Memory.ReflectSchedule)
	}
	if cfg.Agent.MaxToolCalls != 10 {
		t.Errorf("max tool calls = %d", cfg.Agent.MaxToolCalls)
	}
	if cfg.Policy.RatePerMinute != 60 {
		t.Errorf("rate per minute = %d", cfg.Policy.RatePerMinute)
	}
	if cfg.Audit.MaxEntries != 1000 {
		t.Errorf("audit max entries = %d", cfg.Audit.MaxEntries)
	}
	if len(cfg.LLM.Fallback) == 0 {
		t.Error("fallback chain empty")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MEMORY_URL", "http://memory.internal:9000")
	path := writeConfig(t, `
data_dir: /srv/jedisos
memory:
  engine_url: ${TEST_MEMORY_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memory.EngineURL != "http://memory.internal:9000" {
		t.Errorf("engine url = %q", cfg.Memory.EngineURL)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("JEDISOS_LISTEN_ADDR", ":9000")
	t.Setenv("JEDISOS_LOG_LEVEL", "debug")
	path := writeConfig(t, `
data_dir: /srv/jedisos
server:
  addr: ":8420"
logging:
  level: warn
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/jedisos
server:
  addr: ":8420"
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/jedisos
logging:
  level: verbose
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging.level error, got %v", err)
	}
}

func TestEnabledChannelRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := writeConfig(t, `
data_dir: /srv/jedisos
channels:
  telegram:
    enabled: true
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("expected telegram error, got %v", err)
	}
}

func TestChannelTokenFromEnvironment(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	path := writeConfig(t, `
data_dir: /srv/jedisos
channels:
  telegram:
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.BotToken != "123:abc" {
		t.Errorf("bot token = %q", cfg.Channels.Telegram.BotToken)
	}
}

func TestDefaultWithoutFile(t *testing.T) {
	t.Setenv("JEDISOS_DATA_DIR", t.TempDir())

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Vault.BinaryPath != "jedisos-vault" {
		t.Errorf("vault binary = %q", cfg.Vault.BinaryPath)
	}
}

func TestTracingSampleRateBounds(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/jedisos
tracing:
  enabled: true
  sample_rate: 1.5
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "sample_rate") {
		t.Fatalf("expected sample_rate error, got %v", err)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jedisos.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
