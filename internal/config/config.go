// Package config loads the runtime configuration: one YAML file with
// ${ENV} expansion, a small set of JEDISOS_* overrides, and defaults
// filled in by Validate. Credentials are never written to the file;
// they come from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no --config flag is given.
const DefaultPath = "configs/jedisos.yaml"

// Config is the whole runtime configuration tree.
type Config struct {
	// DataDir anchors every relative runtime path: keystore, sockets,
	// bundle root, role cache. Defaults to ~/.jedisos.
	DataDir string `yaml:"data_dir"`

	Server   ServerConfig   `yaml:"server"`
	Vault    VaultConfig    `yaml:"vault"`
	Memory   MemoryConfig   `yaml:"memory"`
	Skills   SkillsConfig   `yaml:"skills"`
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Policy   PolicyConfig   `yaml:"policy"`
	Audit    AuditConfig    `yaml:"audit"`
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address for the web surface and /metrics.
	Addr string `yaml:"addr"`
}

type VaultConfig struct {
	SocketPath   string `yaml:"socket_path"`
	KeystorePath string `yaml:"keystore_path"`

	// BinaryPath is the daemon executable serve spawns. Resolved on
	// PATH when not absolute.
	BinaryPath string `yaml:"binary_path"`

	// External skips spawning and connects to an already-running
	// daemon at SocketPath.
	External bool `yaml:"external"`
}

type MemoryConfig struct {
	// EngineURL is the base URL of the markdown memory engine.
	EngineURL string `yaml:"engine_url"`

	// PatternsPath holds the sensitive-data detector patterns. A
	// missing file selects the built-in defaults.
	PatternsPath string `yaml:"patterns_path"`

	// ReflectSchedule is a cron spec for periodic reindexing.
	ReflectSchedule string `yaml:"reflect_schedule"`
}

type SkillsConfig struct {
	// BundleRoot is the directory scanned for skill bundles.
	BundleRoot string `yaml:"bundle_root"`

	// PythonBin runs bundle inspection and invocation.
	PythonBin string `yaml:"python_bin"`

	// CapabilitySocket is the unix socket generated skills call back
	// through for llm/memory capabilities.
	CapabilitySocket string `yaml:"capability_socket"`

	// MaxRetries bounds synthesizer drafting attempts.
	MaxRetries int `yaml:"max_retries"`
}

type AgentConfig struct {
	// MaxToolCalls bounds tool batches per turn.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// PersonasDir holds optional per-bank identity prompts
	// (identity.md plus <bank>.md overrides).
	PersonasDir string `yaml:"personas_dir"`
}

type LLMConfig struct {
	// Fallback is the process-wide model chain used when neither an
	// explicit model nor a role mapping applies.
	Fallback []string `yaml:"fallback"`

	// Roles maps reason|code|chat|classify|extract to model chains.
	Roles map[string][]string `yaml:"roles"`

	// RoleCachePath persists runtime role overrides across restarts.
	RoleCachePath string `yaml:"role_cache_path"`
}

type PolicyConfig struct {
	// Path is the YAML snapshot written back on policy mutations.
	Path string `yaml:"path"`

	Allow         []string `yaml:"allow"`
	Deny          []string `yaml:"deny"`
	RatePerMinute int      `yaml:"rate_per_minute"`
}

type AuditConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Load reads and validates the configuration file. Unknown keys are
// rejected so typos fail loudly instead of silently defaulting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	var cfg Config
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the
// knobs that vary per host, and sources channel credentials.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.DataDir, "JEDISOS_DATA_DIR")
	set(&cfg.Server.Addr, "JEDISOS_LISTEN_ADDR")
	set(&cfg.Logging.Level, "JEDISOS_LOG_LEVEL")
	set(&cfg.Logging.Format, "JEDISOS_LOG_FORMAT")
	set(&cfg.Memory.EngineURL, "JEDISOS_MEMORY_URL")
	set(&cfg.Vault.SocketPath, "JEDISOS_VAULT_SOCKET")
	set(&cfg.Vault.KeystorePath, "JEDISOS_VAULT_KEYSTORE")
	set(&cfg.Skills.BundleRoot, "JEDISOS_BUNDLE_ROOT")
	set(&cfg.Skills.PythonBin, "JEDISOS_PYTHON")

	set(&cfg.Channels.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Channels.Slack.BotToken, "SLACK_BOT_TOKEN")
	set(&cfg.Channels.Slack.AppToken, "SLACK_APP_TOKEN")
	set(&cfg.Channels.Discord.BotToken, "DISCORD_BOT_TOKEN")
}

// Validate fills defaults and rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".jedisos")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}

	if c.Vault.SocketPath == "" {
		c.Vault.SocketPath = filepath.Join(c.DataDir, "vault.sock")
	}
	if c.Vault.KeystorePath == "" {
		c.Vault.KeystorePath = filepath.Join(c.DataDir, "keystore.json")
	}
	if c.Vault.BinaryPath == "" {
		c.Vault.BinaryPath = "jedisos-vault"
	}

	if c.Memory.EngineURL == "" {
		c.Memory.EngineURL = "http://127.0.0.1:8765"
	}
	if c.Memory.PatternsPath == "" {
		c.Memory.PatternsPath = filepath.Join(c.DataDir, "patterns.yaml")
	}
	if c.Memory.ReflectSchedule == "" {
		c.Memory.ReflectSchedule = "@every 6h"
	}

	if c.Skills.BundleRoot == "" {
		c.Skills.BundleRoot = filepath.Join(c.DataDir, "skills")
	}
	if c.Skills.PythonBin == "" {
		c.Skills.PythonBin = "python3"
	}
	if c.Skills.CapabilitySocket == "" {
		c.Skills.CapabilitySocket = filepath.Join(c.DataDir, "capability.sock")
	}
	if c.Skills.MaxRetries <= 0 {
		c.Skills.MaxRetries = 3
	}

	if c.Agent.MaxToolCalls <= 0 {
		c.Agent.MaxToolCalls = 10
	}
	if c.Agent.PersonasDir == "" {
		c.Agent.PersonasDir = filepath.Join(c.DataDir, "personas")
	}

	if len(c.LLM.Fallback) == 0 {
		c.LLM.Fallback = []string{"gpt-5.2", "claude-sonnet-4-5", "gemini-2.5-flash"}
	}
	if c.LLM.RoleCachePath == "" {
		c.LLM.RoleCachePath = filepath.Join(c.DataDir, "roles.yaml")
	}

	if c.Policy.Path == "" {
		c.Policy.Path = filepath.Join(c.DataDir, "policy.yaml")
	}
	if c.Policy.RatePerMinute <= 0 {
		c.Policy.RatePerMinute = 60
	}

	if c.Audit.MaxEntries <= 0 {
		c.Audit.MaxEntries = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate %v is outside [0,1]", c.Tracing.SampleRate)
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return errors.New("channels.telegram enabled without a bot token (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		return errors.New("channels.slack enabled without bot and app tokens (set SLACK_BOT_TOKEN and SLACK_APP_TOKEN)")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return errors.New("channels.discord enabled without a bot token (set DISCORD_BOT_TOKEN)")
	}

	return nil
}

// EnsureDataDir creates the data directory tree the runtime writes to.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.Skills.BundleRoot, filepath.Join(c.Skills.BundleRoot, "generated")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
