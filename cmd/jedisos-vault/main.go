// Package main runs the jedisOS secret-vault daemon.
//
// The daemon is a separate OS process that owns the master key and
// answers setup/unlock/lock/status/encrypt/decrypt requests over a unix
// stream socket. The assistant runtime spawns it at startup, but it can
// also be run standalone:
//
//	jedisos-vault --socket /run/jedisos/vault.sock --keystore ~/.jedisos/keystore.json
//
// SIGINT and SIGTERM stop the daemon cleanly; the master key is wiped
// from memory before exit.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jedikim/jedisos-sub000/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("vault daemon failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		socketPath   string
		keystorePath string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:          "jedisos-vault",
		Short:        "jedisOS secret vault daemon",
		Long:         "Out-of-process holder of the jedisOS master key.\nEncrypts and decrypts secrets over a local stream socket.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if dir := filepath.Dir(keystorePath); dir != "." {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("create keystore dir: %w", err)
				}
			}
			if dir := filepath.Dir(socketPath); dir != "." {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("create socket dir: %w", err)
				}
			}

			srv, err := vault.NewServer(vault.ServerConfig{
				SocketPath:   socketPath,
				KeystorePath: keystorePath,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}

	home, _ := os.UserHomeDir()
	cmd.Flags().StringVar(&socketPath, "socket", filepath.Join(home, ".jedisos", "vault.sock"), "unix socket path")
	cmd.Flags().StringVar(&keystorePath, "keystore", filepath.Join(home, ".jedisos", "keystore.json"), "sealed master-key file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}
