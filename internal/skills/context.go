package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// ErrContextNotStarted is returned for capability access before Start.
var ErrContextNotStarted = errors.New("skills: context service not started")

// Clamps applied to model parameters requested by bundle code. Bundles
// are untrusted; they never get to pick extreme values.
const (
	maxContextTemperature = 1.5
	maxContextTokens      = 2048

	// maxCapabilityRequest bounds one capability call payload.
	maxCapabilityRequest = 1 << 20
)

// Completer is the slice of the model router capability calls need.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ContextService serves host capabilities to running bundle code over a
// unix socket: one JSON object per direction per connection.
type ContextService struct {
	llm    Completer
	memory memory.Engine
	logger *slog.Logger

	mu       sync.Mutex
	path     string
	listener net.Listener
	conns    sync.WaitGroup
}

// NewContextService wires the capability backends. The service is inert
// until Start.
func NewContextService(completer Completer, engine memory.Engine, logger *slog.Logger) *ContextService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextService{
		llm:    completer,
		memory: engine,
		logger: logger.With("component", "skills.context"),
	}
}

// Start listens on the given unix socket path. A stale socket file is
// replaced.
func (s *ContextService) Start(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("skills: context service already started")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.path = path
	s.listener = ln
	go s.accept(ln)
	s.logger.Info("context service listening", "socket", path)
	return nil
}

// Stop closes the listener and waits for in-flight capability calls.
func (s *ContextService) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.path = ""
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.conns.Wait()
}

// SocketPath returns the live socket path, or empty when not started.
// The runner passes it straight through to the shim.
func (s *ContextService) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *ContextService) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

type capabilityRequest struct {
	Op          string           `json:"op"`
	Prompt      string           `json:"prompt,omitempty"`
	Messages    []models.Message `json:"messages,omitempty"`
	Content     string           `json:"content,omitempty"`
	Query       string           `json:"query,omitempty"`
	Bank        string           `json:"bank,omitempty"`
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type capabilityResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *ContextService) serve(conn net.Conn) {
	raw, err := io.ReadAll(io.LimitReader(conn, maxCapabilityRequest))
	if err != nil {
		return
	}

	var req capabilityRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.respond(conn, capabilityResponse{OK: false, Error: "bad request"})
		return
	}

	result, err := s.dispatch(context.Background(), req)
	if err != nil {
		s.logger.Warn("capability call failed", "op", req.Op, "error", err)
		s.respond(conn, capabilityResponse{OK: false, Error: err.Error()})
		return
	}
	s.respond(conn, capabilityResponse{OK: true, Result: result})
}

func (s *ContextService) respond(conn net.Conn, resp capabilityResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload = []byte(`{"ok":false,"error":"encode failure"}`)
	}
	conn.Write(payload)
}

func (s *ContextService) dispatch(ctx context.Context, req capabilityRequest) (any, error) {
	switch req.Op {
	case "llm_complete":
		return s.complete(ctx, req, []models.Message{{Role: models.RoleUser, Content: req.Prompt}})
	case "llm_chat":
		if len(req.Messages) == 0 {
			return nil, fmt.Errorf("llm_chat: empty messages")
		}
		return s.complete(ctx, req, req.Messages)
	case "memory_retain":
		if s.memory == nil {
			return nil, ErrContextNotStarted
		}
		res, err := s.memory.Retain(ctx, req.Content, string(models.RoleAssistant), bankOrDefault(req.Bank))
		if err != nil {
			return nil, err
		}
		return res, nil
	case "memory_recall":
		if s.memory == nil {
			return nil, ErrContextNotStarted
		}
		res, err := s.memory.Recall(ctx, req.Query, bankOrDefault(req.Bank))
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, fmt.Errorf("unknown capability %q", req.Op)
	}
}

func (s *ContextService) complete(ctx context.Context, req capabilityRequest, messages []models.Message) (any, error) {
	if s.llm == nil {
		return nil, ErrContextNotStarted
	}

	llmReq := llm.Request{
		Model:    req.Model,
		Role:     llm.RoleChat,
		Messages: messages,
	}
	if req.Temperature != nil {
		llmReq.Temperature = clampFloat(*req.Temperature, 0, maxContextTemperature)
	}
	if req.MaxTokens != nil {
		llmReq.MaxTokens = clampInt(*req.MaxTokens, 1, maxContextTokens)
	}

	resp, err := s.llm.Complete(ctx, llmReq)
	if err != nil {
		return nil, err
	}
	return resp.Text, nil
}

func bankOrDefault(bank string) string {
	if bank == "" {
		return memory.DefaultBank
	}
	return bank
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
