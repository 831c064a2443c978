package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	_ "embed"
)

// markerModule is the synthetic module exporting the @tool decorator;
// contextModule exposes host capabilities to bundle code.
const (
	markerModule  = "jedisos_skills"
	contextModule = "jedisos_context"
)

//go:embed shim.py
var shimSource string

const (
	defaultPython = "python3"

	// checkDeadline bounds a syntax probe, inspectDeadline a bundle
	// enumeration, invokeDeadline a tool call.
	checkDeadline   = 10 * time.Second
	inspectDeadline = 30 * time.Second
	invokeDeadline  = 60 * time.Second
)

// ParamSpec is one inspected parameter of an exported function.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// InspectedTool is one exported function reported by the shim.
type InspectedTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params"`
}

type shimRequest struct {
	Op            string         `json:"op"`
	Source        string         `json:"source,omitempty"`
	BundleDir     string         `json:"bundle_dir,omitempty"`
	Function      string         `json:"function,omitempty"`
	Kwargs        map[string]any `json:"kwargs,omitempty"`
	ContextSocket string         `json:"context_socket,omitempty"`
}

type shimResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Line   int             `json:"line,omitempty"`
	Tools  []InspectedTool `json:"tools,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Runner executes bundle operations through the embedded interpreter
// shim. One subprocess per operation; no interpreter state survives
// between calls.
type Runner struct {
	python        string
	contextSocket func() string
	logger        *slog.Logger

	mu       sync.Mutex
	shimPath string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPython overrides the interpreter binary.
func WithPython(python string) RunnerOption {
	return func(r *Runner) { r.python = python }
}

// WithContextSocket supplies the capability socket path resolver. The
// resolver runs per call so bundles observe the live service state.
func WithContextSocket(fn func() string) RunnerOption {
	return func(r *Runner) { r.contextSocket = fn }
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		python:        defaultPython,
		contextSocket: func() string { return "" },
		logger:        logger.With("component", "skills.runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ensureShim materializes the embedded shim to a temp file once.
func (r *Runner) ensureShim() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shimPath != "" {
		return r.shimPath, nil
	}
	f, err := os.CreateTemp("", "jedisos-shim-*.py")
	if err != nil {
		return "", fmt.Errorf("materialize shim: %w", err)
	}
	if _, err := f.WriteString(shimSource); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write shim: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close shim: %w", err)
	}
	r.shimPath = f.Name()
	return r.shimPath, nil
}

// Close removes the materialized shim file.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shimPath == "" {
		return nil
	}
	err := os.Remove(r.shimPath)
	r.shimPath = ""
	return err
}

func (r *Runner) call(ctx context.Context, req shimRequest, deadline time.Duration) (*shimResponse, error) {
	shimPath, err := r.ensureShim()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode shim request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.python, shimPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1")

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("shim %s timed out after %s", req.Op, deadline)
	}
	if runErr != nil && stdout.Len() == 0 {
		return nil, fmt.Errorf("shim %s: %w (stderr: %s)", req.Op, runErr, tail(stderr.String(), 300))
	}

	var resp shimResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("shim %s: bad response: %w (stderr: %s)", req.Op, err, tail(stderr.String(), 300))
	}

	r.logger.Debug("shim call finished", "op", req.Op, "ok", resp.OK, "elapsed", elapsed)
	return &resp, nil
}

// ProbeSyntax implements SyntaxProber by compiling the source inside
// the interpreter.
func (r *Runner) ProbeSyntax(ctx context.Context, source string) (bool, int, string, error) {
	resp, err := r.call(ctx, shimRequest{Op: "check", Source: source}, checkDeadline)
	if err != nil {
		return false, 0, "", err
	}
	if !resp.OK {
		return false, resp.Line, resp.Error, nil
	}
	return true, 0, "", nil
}

// Inspect executes the bundle in a fresh namespace and reports its
// exported tools.
func (r *Runner) Inspect(ctx context.Context, bundleDir string) ([]InspectedTool, error) {
	resp, err := r.call(ctx, shimRequest{
		Op:            "inspect",
		BundleDir:     bundleDir,
		ContextSocket: r.contextSocket(),
	}, inspectDeadline)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("inspect %s: %s", bundleDir, resp.Error)
	}
	return resp.Tools, nil
}

// Invoke calls one exported function with kwargs and returns the
// decoded result.
func (r *Runner) Invoke(ctx context.Context, bundleDir, function string, kwargs map[string]any) (any, error) {
	resp, err := r.call(ctx, shimRequest{
		Op:            "invoke",
		BundleDir:     bundleDir,
		Function:      function,
		Kwargs:        kwargs,
		ContextSocket: r.contextSocket(),
	}, invokeDeadline)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s: %s", function, resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", function, err)
	}
	return result, nil
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
