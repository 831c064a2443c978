// Package memory adapts the external markdown memory engine. The engine
// itself (markdown files, embedding index, reflection) runs as its own
// service; this package speaks its HTTP contract and layers the secret
// capture pass on top.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// DefaultBank is the bank used for conversation turns.
const DefaultBank = "jedisos-default"

// SkillBank records synthesized and retired skills so drafting prompts can
// see what already exists.
const SkillBank = "jedisos-skills"

// ContextSeparator joins recalled snippets into one context string.
const ContextSeparator = "\n---\n"

// RetainResult reports what the engine persisted.
type RetainResult struct {
	Status        string `json:"status"`
	BankID        string `json:"bank_id"`
	ContentLength int    `json:"content_length"`
	FactsDetected int    `json:"facts_detected"`
	LogPath       string `json:"log_path"`
}

// RecallResult carries the recalled context plus the scored snippets it
// was assembled from.
type RecallResult struct {
	Context  string                 `json:"context"`
	Memories []models.MemorySnippet `json:"memories"`
	Query    string                 `json:"query"`
	BankID   string                 `json:"bank_id"`
}

// ReflectResult reports a reindex pass.
type ReflectResult struct {
	Status       string `json:"status"`
	BankID       string `json:"bank_id"`
	IndexedFiles int    `json:"indexed_files"`
}

// Engine is the memory capability every caller in the process sees.
type Engine interface {
	Retain(ctx context.Context, content, role, bankID string) (*RetainResult, error)
	Recall(ctx context.Context, query, bankID string) (*RecallResult, error)
	Reflect(ctx context.Context, bankID string) (*ReflectResult, error)
	Healthy(ctx context.Context) bool
}

// HTTPEngine talks to the memory service over its REST surface.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine builds a client for the engine at baseURL. A nil client
// gets a 30 second timeout, matching the slowest expected recall.
func NewHTTPEngine(baseURL string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEngine{baseURL: baseURL, client: client}
}

type retainRequest struct {
	Content string `json:"content"`
	Context string `json:"context,omitempty"`
	BankID  string `json:"bank_id"`
}

type recallRequest struct {
	Query  string `json:"query"`
	BankID string `json:"bank_id"`
}

type reflectRequest struct {
	BankID string `json:"bank_id"`
}

func (e *HTTPEngine) Retain(ctx context.Context, content, role, bankID string) (*RetainResult, error) {
	var out RetainResult
	err := e.post(ctx, "/retain", retainRequest{Content: content, Context: role, BankID: bankID}, &out)
	if err != nil {
		return nil, fmt.Errorf("memory retain: %w", err)
	}
	return &out, nil
}

func (e *HTTPEngine) Recall(ctx context.Context, query, bankID string) (*RecallResult, error) {
	var out RecallResult
	err := e.post(ctx, "/recall", recallRequest{Query: query, BankID: bankID}, &out)
	if err != nil {
		return nil, fmt.Errorf("memory recall: %w", err)
	}
	return &out, nil
}

func (e *HTTPEngine) Reflect(ctx context.Context, bankID string) (*ReflectResult, error) {
	var out ReflectResult
	err := e.post(ctx, "/reflect", reflectRequest{BankID: bankID}, &out)
	if err != nil {
		return nil, fmt.Errorf("memory reflect: %w", err)
	}
	return &out, nil
}

// Healthy probes GET /health. Any transport or non-200 failure is an
// unhealthy engine, never an error.
func (e *HTTPEngine) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (e *HTTPEngine) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
