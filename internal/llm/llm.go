// Package llm defines the provider contract and the role-scoped model
// router that every reasoning call in the process goes through.
//
// Providers translate between the process message shape (pkg/models) and
// one vendor SDK each. The router owns fallback: a request names either an
// explicit model, a role, or nothing, and the router walks the matching
// model chain until one provider answers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Role selects which model fallback chain a request uses.
type Role string

const (
	RoleReason   Role = "reason"
	RoleCode     Role = "code"
	RoleChat     Role = "chat"
	RoleClassify Role = "classify"
	RoleExtract  Role = "extract"
)

// Roles lists every routable role.
var Roles = []Role{RoleReason, RoleCode, RoleChat, RoleClassify, RoleExtract}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleReason, RoleCode, RoleChat, RoleClassify, RoleExtract:
		return true
	}
	return false
}

var (
	// ErrNoModels means the resolved chain was empty, usually because no
	// provider credential covered any of its models.
	ErrNoModels = errors.New("llm: no models available")

	// ErrAllModelsFailed means every model in the chain was tried and
	// every attempt returned an error.
	ErrAllModelsFailed = errors.New("llm: all models failed")
)

// ToolSpec is one catalog entry published to the model, already in
// function-calling shape with a normalized JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is a single completion or stream call.
//
// Model resolution order: Model if set, else the chain for Role, else the
// process-wide fallback chain.
type Request struct {
	Model       string
	Role        Role
	System      string
	Messages    []models.Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is a finished, non-streaming completion.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
}

// ToolCallDelta is one streamed fragment of a tool-call intent. Providers
// emit whatever fields the vendor sent in that chunk; consumers accumulate
// fragments keyed by Index until the stream ends.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one unit of a streaming response. Exactly one of Text,
// ToolDelta, Done or Err is meaningful per chunk. After Done or Err the
// channel is closed.
type Chunk struct {
	Text         string
	ToolDelta    *ToolCallDelta
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Provider is one vendor adapter. Implementations must be safe for
// concurrent use; each Stream call owns an independent goroutine that
// closes the returned channel when the stream ends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ProviderForModel maps a model name to the provider that serves it, by
// prefix. Unknown prefixes return "".
func ProviderForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "gemini"
	}
	return ""
}
