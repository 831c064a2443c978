// Package web serves the HTTP surface: the WebSocket chat endpoint
// with its vault handshake, the blocking chat API, and the status,
// audit, policy and metrics read-outs.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jedikim/jedisos-sub000/internal/agent"
	"github.com/jedikim/jedisos-sub000/internal/audit"
	"github.com/jedikim/jedisos-sub000/internal/notify"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/policy"
	"github.com/jedikim/jedisos-sub000/internal/vault"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8420"

// Agent is the slice of the agent loop the server drives.
type Agent interface {
	Run(ctx context.Context, env *models.Envelope) (string, error)
	Stream(ctx context.Context, env *models.Envelope) (<-chan agent.Event, error)
}

// Vault is the slice of the vault client the WebSocket handshake and
// setup/unlock frames need.
type Vault interface {
	Status(ctx context.Context) (*vault.StatusInfo, error)
	Setup(ctx context.Context, password string) error
	Unlock(ctx context.Context, password string) error
}

// Config holds the web server dependencies.
type Config struct {
	// Addr is the listen address, defaulting to DefaultAddr.
	Addr string

	// Agent runs turns. Required.
	Agent Agent

	// Vault backs the WebSocket vault handshake. Optional; without it
	// the handshake reports the vault unavailable.
	Vault Vault

	// Audit serves the audit read-outs. Optional.
	Audit *audit.Log

	// Policy serves GET /policy. Optional.
	Policy *policy.Engine

	// Broadcaster receives one notification sink per open WebSocket.
	// Optional.
	Broadcaster *notify.Broadcaster

	// Metrics gauges connection counts. Optional.
	Metrics *observability.Metrics

	// Gatherer backs GET /metrics, defaulting to the process gatherer.
	Gatherer prometheus.Gatherer

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Agent == nil {
		return errors.New("web: agent is required")
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	http     *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/audit/denied", s.handleAuditDenied)
	mux.HandleFunc("/policy", s.handlePolicy)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("web server listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
