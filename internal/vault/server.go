package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Server defaults.
const (
	DefaultMaxUnlockFailures = 5
	DefaultLockoutDuration   = 300 * time.Second
)

// ServerConfig configures the vault daemon.
type ServerConfig struct {
	// SocketPath is where the unix stream socket is bound. Any stale
	// file at the path is unlinked first.
	SocketPath string

	// KeystorePath is the sealed master-key file.
	KeystorePath string

	// MaxUnlockFailures is the consecutive-failure threshold that arms
	// the lockout. Defaults to 5.
	MaxUnlockFailures int

	// LockoutDuration is how long unlock is refused after the threshold
	// is reached. Defaults to 300s.
	LockoutDuration time.Duration

	Logger *slog.Logger
}

// Validate applies defaults and rejects unusable configuration.
func (c *ServerConfig) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("vault: socket path required")
	}
	if c.KeystorePath == "" {
		return fmt.Errorf("vault: keystore path required")
	}
	if c.MaxUnlockFailures <= 0 {
		c.MaxUnlockFailures = DefaultMaxUnlockFailures
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Server is the vault daemon. All key-state operations serialize through
// one mutex; each connection is handled on its own goroutine.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	corrupted    bool
	masterKey    []byte
	failures     int
	lockoutUntil time.Time

	listener net.Listener
	wg       sync.WaitGroup

	// nowFunc is swapped in tests to step the lockout clock.
	nowFunc func() time.Time
}

// NewServer builds a daemon whose initial state is decided by the key
// file on disk.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, corrupted := InspectKeystore(cfg.KeystorePath)
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "vault"),
		state:     state,
		corrupted: corrupted,
		nowFunc:   time.Now,
	}
	if corrupted {
		s.logger.Warn("keystore unreadable, setup required", "path", cfg.KeystorePath)
	}
	return s, nil
}

// ListenAndServe binds the socket and serves connections until ctx is
// cancelled. The master key is wiped before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind vault socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, SecureFileMode); err != nil {
		listener.Close()
		return fmt.Errorf("chmod vault socket: %w", err)
	}
	s.listener = listener
	s.logger.Info("vault listening", "socket", s.cfg.SocketPath, "state", s.stateSnapshot().State)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}

	s.wg.Wait()
	s.wipe()
	os.Remove(s.cfg.SocketPath)
	s.logger.Info("vault stopped")
	return nil
}

// handleConn serves one request/response exchange and closes.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	if err := readMessage(conn, &req); err != nil {
		s.logger.Debug("bad request", "error", err)
		writeMessage(conn, &Response{OK: false, Error: "malformed request"})
		return
	}
	resp := s.dispatch(&req)
	resp.RequestID = req.RequestID
	if err := writeMessage(conn, resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Op {
	case OpSetup:
		return s.opSetup(req.Data)
	case OpUnlock:
		return s.opUnlock(req.Data)
	case OpStatus:
		return s.opStatus()
	case OpLock:
		return s.opLock()
	case OpEncrypt:
		return s.opEncrypt(req.Data)
	case OpDecrypt:
		return s.opDecrypt(req.Data)
	}
	return &Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
}

func (s *Server) opSetup(password string) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if password == "" {
		return &Response{OK: false, Error: "password required"}
	}
	if s.state != StateNeedsSetup {
		return &Response{OK: false, Error: "already_initialized"}
	}
	if s.corrupted {
		// Keep the unreadable record around for manual inspection.
		backup := s.cfg.KeystorePath + ".corrupt"
		if err := os.Rename(s.cfg.KeystorePath, backup); err != nil {
			s.logger.Warn("could not move corrupt keystore aside", "error", err)
		} else {
			s.logger.Warn("corrupt keystore moved", "backup", backup)
		}
	}

	master, err := CreateKeystore(s.cfg.KeystorePath, password)
	if err != nil {
		return &Response{OK: false, Error: err.Error()}
	}
	s.masterKey = master
	s.state = StateUnlocked
	s.corrupted = false
	s.failures = 0
	s.logger.Info("vault initialized")
	return &Response{OK: true, Data: stringData(string(StateUnlocked))}
}

func (s *Server) opUnlock(password string) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNeedsSetup {
		if s.corrupted {
			return &Response{OK: false, Error: "keystore corrupted, setup required"}
		}
		return &Response{OK: false, Error: "needs_setup"}
	}
	if s.state == StateUnlocked {
		return &Response{OK: true, Data: stringData(string(StateUnlocked))}
	}

	now := s.nowFunc()
	if !s.lockoutUntil.IsZero() {
		if now.Before(s.lockoutUntil) {
			remaining := s.lockoutUntil.Sub(now).Round(time.Second)
			return &Response{OK: false, Error: fmt.Sprintf("lockout: retry in %s", remaining)}
		}
		s.lockoutUntil = time.Time{}
		s.failures = 0
	}

	master, err := OpenKeystore(s.cfg.KeystorePath, password)
	if err != nil {
		if errors.Is(err, ErrWrongPassword) {
			s.failures++
			s.logger.Warn("unlock failed", "failures", s.failures)
			if s.failures >= s.cfg.MaxUnlockFailures {
				s.lockoutUntil = now.Add(s.cfg.LockoutDuration)
				s.logger.Warn("unlock lockout armed", "duration", s.cfg.LockoutDuration)
			}
			return &Response{OK: false, Error: "wrong password"}
		}
		return &Response{OK: false, Error: err.Error()}
	}

	s.masterKey = master
	s.state = StateUnlocked
	s.failures = 0
	s.lockoutUntil = time.Time{}
	s.logger.Info("vault unlocked")
	return &Response{OK: true, Data: stringData(string(StateUnlocked))}
}

func (s *Server) opStatus() *Response {
	info := s.stateSnapshot()
	raw, _ := json.Marshal(info)
	return &Response{OK: true, Data: raw}
}

func (s *Server) opLock() *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey != nil {
		zero(s.masterKey)
		s.masterKey = nil
	}
	if s.state == StateUnlocked {
		s.state = StateLocked
	}
	s.logger.Info("vault locked")
	return &Response{OK: true, Data: stringData(string(s.state))}
}

func (s *Server) opEncrypt(plaintext string) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnlocked {
		return &Response{OK: false, Error: "not_unlocked"}
	}
	nonce, ct, tag, err := sealGCM(s.masterKey, []byte(plaintext))
	if err != nil {
		return &Response{OK: false, Error: err.Error()}
	}
	return &Response{OK: true, Data: stringData(EncodeMarker(SchemeAES256GCM, nonce, ct, tag))}
}

func (s *Server) opDecrypt(marker string) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnlocked {
		return &Response{OK: false, Error: "not_unlocked"}
	}
	m, err := ParseMarker(marker)
	if err != nil {
		return &Response{OK: false, Error: err.Error()}
	}
	if m.Scheme != SchemeAES256GCM {
		return &Response{OK: false, Error: fmt.Sprintf("unsupported scheme %q", m.Scheme)}
	}
	plaintext, err := openGCM(s.masterKey, m.Nonce, m.Ciphertext, m.Tag)
	if err != nil {
		return &Response{OK: false, Error: "decryption failed"}
	}
	return &Response{OK: true, Data: stringData(string(plaintext))}
}

func (s *Server) stateSnapshot() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusInfo{State: s.state, Corrupted: s.corrupted}
}

// wipe zeroes the master key. Called on shutdown.
func (s *Server) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey != nil {
		zero(s.masterKey)
		s.masterKey = nil
	}
}
