package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies the front-end a turn arrived from.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelWeb      ChannelType = "web"
	ChannelCLI      ChannelType = "cli"
	ChannelAPI      ChannelType = "api"
)

// EnvelopeState tracks a turn through its lifecycle.
type EnvelopeState string

const (
	StateCreated     EnvelopeState = "created"
	StateAuthorized  EnvelopeState = "authorized"
	StateDenied      EnvelopeState = "denied"
	StateProcessing  EnvelopeState = "processing"
	StateToolCalling EnvelopeState = "tool_calling"
	StateCompleted   EnvelopeState = "completed"
	StateFailed      EnvelopeState = "failed"
)

// validTransitions is the complete turn state graph. Anything absent
// here is an invalid transition and Transition rejects it.
var validTransitions = map[EnvelopeState][]EnvelopeState{
	StateCreated:     {StateAuthorized, StateDenied},
	StateAuthorized:  {StateProcessing},
	StateProcessing:  {StateToolCalling, StateCompleted, StateFailed},
	StateToolCalling: {StateProcessing, StateCompleted, StateFailed},
}

// Envelope is the unit of work for one user turn. It is created by a
// channel adapter, owned by exactly one turn handler, and dropped after
// reaching Completed, Failed, or Denied.
type Envelope struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Channel   ChannelType `json:"channel"`
	UserID    string      `json:"user_id"`
	UserName  string      `json:"user_name,omitempty"`
	Text      string      `json:"text"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	Response  string            `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
	ToolCalls []ToolCall        `json:"tool_calls,omitempty"`
	Memories  []MemorySnippet   `json:"memories,omitempty"`

	state EnvelopeState
}

// NewEnvelope builds an envelope in the Created state with a
// time-ordered 128-bit id. ID and CreatedAt never change afterwards.
func NewEnvelope(channel ChannelType, userID, userName, text string, metadata map[string]string) *Envelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Envelope{
		ID:        id.String(),
		CreatedAt: time.Now().UTC(),
		Channel:   channel,
		UserID:    userID,
		UserName:  userName,
		Text:      text,
		Metadata:  metadata,
		state:     StateCreated,
	}
}

// State returns the current lifecycle state.
func (e *Envelope) State() EnvelopeState {
	return e.state
}

// Transition moves the envelope to next, or fails if the state graph
// does not permit it.
func (e *Envelope) Transition(next EnvelopeState) error {
	for _, allowed := range validTransitions[e.state] {
		if next == allowed {
			e.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid envelope transition %s -> %s (envelope %s)", e.state, next, e.ID)
}

// Terminal reports whether the envelope reached an end state.
func (e *Envelope) Terminal() bool {
	switch e.state {
	case StateCompleted, StateFailed, StateDenied:
		return true
	}
	return false
}
