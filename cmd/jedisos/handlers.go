package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jedikim/jedisos-sub000/internal/gateway"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/skills"
	"github.com/jedikim/jedisos-sub000/internal/vault"
)

const (
	chatTimeout     = 2 * time.Minute
	vaultOpTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// runServe loads configuration, wires the gateway and blocks until a
// shutdown signal or a fatal serve error.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting jedisOS",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	var startErr error
	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			startErr = err
		}
	}

	// Stop runs even after a failed Start so a spawned vault daemon
	// never outlives the runtime.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if startErr != nil {
		return startErr
	}
	logger.Info("jedisOS stopped")
	if interrupted {
		return errInterrupted
	}
	return nil
}

// runChat sends one blocking turn to a running instance.
func runChat(cmd *cobra.Command, configPath, addr, bankID string, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	payload := map[string]string{"message": strings.Join(args, " ")}
	if bankID != "" {
		payload["bank_id"] = bankID
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
	defer cancel()

	var reply struct {
		Response   string `json:"response"`
		EnvelopeID string `json:"envelope_id"`
		BankID     string `json:"bank_id"`
	}
	client := newAPIClient(serverBaseURL(addr))
	if err := client.postJSON(ctx, "/chat", payload, &reply); err != nil {
		return fmt.Errorf("chat request: %w (is jedisos serve running?)", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), reply.Response)
	return nil
}

// runStatus prints the health overview of a running instance.
func runStatus(cmd *cobra.Command, configPath, addr string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), vaultOpTimeout)
	defer cancel()

	client := newAPIClient(serverBaseURL(addr))
	if asJSON {
		raw, err := client.getRaw(ctx, "/status")
		if err != nil {
			return fmt.Errorf("status request: %w (is jedisos serve running?)", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(raw)))
		return nil
	}

	var status struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Vault         string `json:"vault"`
		AuditEntries  int    `json:"audit_entries"`
	}
	if err := client.getJSON(ctx, "/status", &status); err != nil {
		return fmt.Errorf("status request: %w (is jedisos serve running?)", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:        %s\n", status.Status)
	fmt.Fprintf(out, "Uptime:        %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Vault:         %s\n", status.Vault)
	fmt.Fprintf(out, "Audit entries: %d\n", status.AuditEntries)
	return nil
}

// vaultClientFor builds a socket client from the configured path.
func vaultClientFor(configPath string) (*vault.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return vault.NewClient(cfg.Vault.SocketPath), nil
}

// runVaultSetup initializes the keystore with a new master password.
func runVaultSetup(cmd *cobra.Command, configPath string) error {
	client, err := vaultClientFor(configPath)
	if err != nil {
		return err
	}

	password, err := promptPassword(cmd, "New master password")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), vaultOpTimeout)
	defer cancel()
	if err := client.Setup(ctx, password); err != nil {
		return fmt.Errorf("vault setup: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Vault initialized and unlocked.")
	return nil
}

// runVaultUnlock unlocks the vault with the master password.
func runVaultUnlock(cmd *cobra.Command, configPath string) error {
	client, err := vaultClientFor(configPath)
	if err != nil {
		return err
	}

	password, err := promptPassword(cmd, "Master password")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), vaultOpTimeout)
	defer cancel()
	if err := client.Unlock(ctx, password); err != nil {
		return fmt.Errorf("vault unlock: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Vault unlocked.")
	return nil
}

// runVaultLock locks the vault.
func runVaultLock(cmd *cobra.Command, configPath string) error {
	client, err := vaultClientFor(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), vaultOpTimeout)
	defer cancel()
	if err := client.Lock(ctx); err != nil {
		return fmt.Errorf("vault lock: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Vault locked.")
	return nil
}

// runVaultStatus prints the vault state.
func runVaultStatus(cmd *cobra.Command, configPath string) error {
	client, err := vaultClientFor(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), vaultOpTimeout)
	defer cancel()
	info, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("vault status: %w (is the daemon running?)", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State: %s\n", info.State)
	if info.Corrupted {
		fmt.Fprintln(out, "Warning: keystore is corrupted; setup will start fresh.")
	}
	return nil
}

// promptPassword reads a password without echo when stdin is a
// terminal, and a plain line otherwise so the command can be piped.
func promptPassword(cmd *cobra.Command, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	var password string
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

// runSkillsList prints every bundle under the configured root.
func runSkillsList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bundles, errs := skills.ScanRoot(cfg.Skills.BundleRoot)
	out := cmd.OutOrStdout()
	if len(bundles) == 0 {
		fmt.Fprintln(out, "No skills installed.")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tSTATE\tORIGIN\tTOOLS")
		for _, b := range bundles {
			state := "enabled"
			if b.Disabled {
				state = "disabled"
			}
			origin := "user"
			if b.Manifest.AutoGenerated {
				origin = "generated"
			}
			names := make([]string, 0, len(b.Manifest.Tools))
			for _, t := range b.Manifest.Tools {
				names = append(names, t.Name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				b.Name(), b.Manifest.Version, state, origin, strings.Join(names, ","))
		}
		w.Flush()
	}

	for _, err := range errs {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	return nil
}

// runSkillsToggle enables or disables one bundle by name.
func runSkillsToggle(cmd *cobra.Command, configPath, name string, enable bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bundle, err := findBundle(cfg.Skills.BundleRoot, name)
	if err != nil {
		return err
	}
	if err := bundle.SetDisabled(!enable); err != nil {
		return fmt.Errorf("toggle %s: %w", name, err)
	}

	state := "enabled"
	if !enable {
		state = "disabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Skill %s %s.\n", name, state)
	return nil
}

// runSkillsDelete removes one bundle directory.
func runSkillsDelete(cmd *cobra.Command, configPath, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bundle, err := findBundle(cfg.Skills.BundleRoot, name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(bundle.Dir); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Skill %s deleted.\n", name)
	return nil
}

// findBundle locates an installed bundle by exact name.
func findBundle(root, name string) (*skills.Bundle, error) {
	bundles, _ := skills.ScanRoot(root)
	for _, b := range bundles {
		if b.Name() == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("skill %q not found", name)
}
