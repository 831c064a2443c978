package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jedikim/jedisos-sub000/internal/config"
)

// buildServeCmd creates the "serve" command that starts the assistant
// runtime. This is the primary command for running jedisOS.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the jedisOS runtime",
		Long: `Start the jedisOS runtime with all configured channels.

The runtime will:
1. Load configuration (file, environment overrides, defaults)
2. Spawn and supervise the secret-vault daemon
3. Load skill bundles and watch for changes
4. Start all enabled channel adapters
5. Serve HTTP: WebSocket chat, REST status/audit/policy, metrics

SIGINT/SIGTERM trigger a graceful shutdown.`,
		Example: `  # Start with the default config
  jedisos serve

  # Start with a custom config and debug logging
  jedisos serve --config /etc/jedisos/prod.yaml --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildChatCmd creates the "chat" command for one-shot turns against a
// running instance.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		bankID     string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message to a running instance and print the reply",
		Example: `  jedisos chat "환율 1200달러는 원화로 얼마야?"
  jedisos chat --bank jedisos-work "standup notes please"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, addr, bankID, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (defaults to the configured listen address)")
	cmd.Flags().StringVar(&bankID, "bank", "", "Memory bank for this turn")
	return cmd
}

// buildVaultCmd creates the "vault" command group for talking to the
// vault daemon directly over its socket.
func buildVaultCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the secret vault",
		Long: `Manage the out-of-process secret vault.

The vault daemon holds the master key; these commands talk to it over
its unix socket. "serve" spawns the daemon automatically, so setup and
unlock can also happen from here while the runtime is up.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "setup",
			Short: "Initialize the vault with a master password",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVaultSetup(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "unlock",
			Short: "Unlock the vault",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVaultUnlock(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "lock",
			Short: "Lock the vault and wipe the key from memory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVaultLock(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the vault state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVaultStatus(cmd, configPath)
			},
		},
	)
	return cmd
}

// buildSkillsCmd creates the "skills" command group operating on the
// bundle directory.
func buildSkillsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage installed skill bundles",
		Long: `Manage skill bundles under the configured bundle root.

Each bundle is a directory holding tool.py and tool.yaml. A running
instance picks up changes automatically through its bundle watcher.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed skill bundles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSkillsList(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "enable [name]",
			Short: "Enable a skill bundle",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSkillsToggle(cmd, configPath, args[0], true)
			},
		},
		&cobra.Command{
			Use:   "disable [name]",
			Short: "Disable a skill bundle",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSkillsToggle(cmd, configPath, args[0], false)
			},
		},
		&cobra.Command{
			Use:   "delete [name]",
			Short: "Delete a skill bundle permanently",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSkillsDelete(cmd, configPath, args[0])
			},
		},
	)
	return cmd
}

// buildStatusCmd creates the "status" command for a health overview of
// a running instance.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime status",
		Long:  "Query a running instance for uptime, vault state and audit volume.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, addr, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (defaults to the configured listen address)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jedisos %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
