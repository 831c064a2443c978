package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// NormalizeRole maps source-style role labels onto the wire roles.
// Unknown labels pass through unchanged.
func NormalizeRole(role string) Role {
	switch role {
	case "human", "user":
		return RoleUser
	case "ai", "assistant":
		return RoleAssistant
	case "system":
		return RoleSystem
	case "tool":
		return RoleTool
	}
	return Role(role)
}

// Message is one entry of a conversation transcript. Tool outputs carry
// the id of the call they answer; assistant messages may carry pending
// tool-call intents.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is the canonical tool-call intent: one LLM request to invoke
// a named tool with parsed arguments.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON renders the arguments as a JSON object string. An empty
// intent renders as "{}".
func (t ToolCall) ArgumentsJSON() string {
	if len(t.Arguments) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(t.Arguments)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// rawToolCall accepts both intent shapes emitted by LLM providers:
//
//	{"id": "...", "function": {"name": "...", "arguments": "<json string>"}}
//	{"id": "...", "name": "...", "args": {...}}
type rawToolCall struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args"`
	Function *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ParseToolCall normalizes either provider intent shape into the
// canonical form. Missing or empty arguments become an empty object.
func ParseToolCall(raw json.RawMessage) (ToolCall, error) {
	var rc rawToolCall
	if err := json.Unmarshal(raw, &rc); err != nil {
		return ToolCall{}, fmt.Errorf("parse tool call: %w", err)
	}

	call := ToolCall{ID: rc.ID, Arguments: map[string]any{}}
	switch {
	case rc.Function != nil:
		call.Name = rc.Function.Name
		if args := rc.Function.Arguments; args != "" {
			if err := json.Unmarshal([]byte(args), &call.Arguments); err != nil {
				return ToolCall{}, fmt.Errorf("parse tool call %q arguments: %w", call.Name, err)
			}
		}
	default:
		call.Name = rc.Name
		if rc.Args != nil {
			call.Arguments = rc.Args
		}
	}
	if call.Name == "" {
		return ToolCall{}, fmt.Errorf("tool call %q has no name", call.ID)
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call, nil
}

// ToolOutcome is the string fed back to the LLM for one tool call. A
// payload whose parsed form carries ok=false is a successful execution
// with a negative domain result, not a dispatch failure.
type ToolOutcome struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// MemorySnippet is one recalled memory, scored by the search engine.
type MemorySnippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

// NotificationEvent is broadcast to every live delivery sink.
type NotificationEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Notification event kinds.
const (
	EventSkillReady  = "skill_ready"
	EventSkillFailed = "skill_failed"
)
