package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedikim/jedisos-sub000/internal/channels"
)

const (
	// vaultReadyTimeout bounds how long serve waits for a spawned
	// daemon to answer its first status request.
	vaultReadyTimeout = 10 * time.Second

	// vaultStopGrace is the window between SIGTERM and SIGKILL.
	vaultStopGrace = 5 * time.Second
)

// Start brings the runtime up in dependency order and then blocks
// serving HTTP until Stop or a listener error.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return errors.New("gateway already started")
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.cfg.EnsureDataDir(); err != nil {
		return err
	}

	if g.cfg.Vault.External {
		probe, cancelProbe := context.WithTimeout(runCtx, time.Second)
		_, err := g.vault.Status(probe)
		cancelProbe()
		if err != nil {
			g.logger.Warn("external vault daemon unreachable",
				"socket", g.cfg.Vault.SocketPath, "error", err)
		}
	} else {
		proc, err := spawnVault(g.cfg.Vault, g.logger)
		if err != nil {
			return err
		}
		g.vaultProc = proc
		if err := g.waitForVault(runCtx); err != nil {
			proc.Terminate(vaultStopGrace)
			return err
		}
		g.logger.Info("vault daemon ready", "socket", g.cfg.Vault.SocketPath, "pid", proc.PID())
	}

	if err := g.contextSvc.Start(g.cfg.Skills.CapabilitySocket); err != nil {
		return fmt.Errorf("start capability service: %w", err)
	}

	loaded := g.loader.LoadAll(runCtx)
	g.logger.Info("skill bundles loaded", "count", loaded)

	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		if err := g.loader.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("bundle watcher stopped", "error", err)
		}
	}()

	if err := g.reflector.Start(); err != nil {
		return fmt.Errorf("start reflector: %w", err)
	}

	handler := channels.NewTurnHandler(g.loop, g.channels, g.metrics, g.logger)
	if err := g.channels.StartAll(runCtx, handler); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	g.logger.Info("gateway ready", "addr", g.cfg.Server.Addr, "channels", g.channels.Names())
	return g.web.ListenAndServe()
}

// waitForVault polls the daemon until it answers status, the daemon
// exits, or the ready window closes.
func (g *Gateway) waitForVault(ctx context.Context) error {
	deadline := time.Now().Add(vaultReadyTimeout)
	for {
		probe, cancel := context.WithTimeout(ctx, time.Second)
		_, err := g.vault.Status(probe)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-g.vaultProc.Done():
			return fmt.Errorf("vault daemon exited during startup: %w", g.vaultProc.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("vault daemon not ready after %s: %w", vaultReadyTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop shuts everything down in reverse order: stop taking work, let
// in-flight work finish, then retire the vault daemon.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()

	g.logger.Info("stopping gateway")

	if err := g.web.Shutdown(ctx); err != nil {
		g.logger.Error("web server shutdown", "error", err)
	}
	if err := g.channels.StopAll(ctx); err != nil {
		g.logger.Error("stopping channels", "error", err)
	}
	if cancel != nil {
		cancel()
	}

	g.reflector.Stop()
	g.synthesizer.Wait()
	if err := g.loop.Drain(ctx); err != nil {
		g.logger.Error("draining retain tasks", "error", err)
	}
	g.contextSvc.Stop()

	if g.vaultProc != nil {
		g.vaultProc.Terminate(vaultStopGrace)
	}

	if err := g.policy.SaveFile(g.cfg.Policy.Path); err != nil {
		g.logger.Error("persisting policy", "error", err)
	}
	if err := g.traceShutdown(ctx); err != nil {
		g.logger.Error("tracer shutdown", "error", err)
	}

	g.bg.Wait()
	g.logger.Info("gateway stopped")
	return nil
}
