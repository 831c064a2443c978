// Package main provides the CLI entry point for the jedisOS assistant
// runtime.
//
// jedisOS connects chat surfaces (Telegram, Slack, Discord, WebSocket)
// to LLM providers (OpenAI, Anthropic, Gemini) through a policy-guarded
// tool fabric. Skills extend the agent with generated Python tools, and
// an out-of-process vault keeps captured secrets encrypted at rest.
//
// # Basic Usage
//
// Start the runtime:
//
//	jedisos serve --config configs/jedisos.yaml
//
// Ask a one-shot question against a running instance:
//
//	jedisos chat "내일 서울 날씨 어때?"
//
// Manage the secret vault:
//
//	jedisos vault setup
//	jedisos vault unlock
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - GEMINI_API_KEY: Google API key for Gemini models
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - SLACK_BOT_TOKEN / SLACK_APP_TOKEN: Slack Socket Mode credentials
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - JEDISOS_DATA_DIR: state directory (default ~/.jedisos)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jedikim/jedisos-sub000/internal/config"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errInterrupted marks a shutdown caused by SIGINT/SIGTERM so main can
// exit with the conventional 130 instead of 1.
var errInterrupted = errors.New("interrupted")

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jedisos",
		Short: "jedisOS - personal AI assistant runtime",
		Long: `jedisOS runs a personal assistant that answers over Telegram, Slack,
Discord and WebSocket, calls tools under policy, grows its own skills,
and keeps captured secrets in an out-of-process vault.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildVaultCmd(),
		buildSkillsCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// loadConfig reads the configuration file, falling back to built-in
// defaults when the default path does not exist. An explicitly passed
// path must exist.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default()
		}
	}
	return config.Load(path)
}
