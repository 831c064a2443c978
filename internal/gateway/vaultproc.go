package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jedikim/jedisos-sub000/internal/config"
)

// vaultProcess supervises the spawned secret-vault daemon.
type vaultProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// spawnVault starts the daemon binary pointed at the configured socket
// and keystore. The daemon's stderr is inherited so its logs share the
// gateway's stream.
func spawnVault(cfg config.VaultConfig, logger *slog.Logger) (*vaultProcess, error) {
	cmd := exec.Command(cfg.BinaryPath,
		"--socket", cfg.SocketPath,
		"--keystore", cfg.KeystorePath,
	)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start vault daemon %s: %w", cfg.BinaryPath, err)
	}

	p := &vaultProcess{
		cmd:    cmd,
		logger: logger.With("component", "vault_proc"),
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Done is closed when the daemon exits for any reason.
func (p *vaultProcess) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *vaultProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// PID returns the daemon's process id.
func (p *vaultProcess) PID() int { return p.cmd.Process.Pid }

// Terminate asks the daemon to exit with SIGTERM so it can wipe the
// master key, escalating to SIGKILL after the grace period.
func (p *vaultProcess) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("signal vault daemon", "error", err)
	}

	select {
	case <-p.done:
		p.logger.Info("vault daemon exited", "pid", p.PID())
	case <-time.After(grace):
		p.logger.Warn("vault daemon did not exit, killing", "pid", p.PID())
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Error("kill vault daemon", "error", err)
		}
		<-p.done
	}
}
