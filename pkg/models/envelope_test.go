package models

import (
	"testing"
)

func TestEnvelopeTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []EnvelopeState
		wantErr bool
	}{
		{
			name: "full turn with tool calls",
			path: []EnvelopeState{StateAuthorized, StateProcessing, StateToolCalling, StateProcessing, StateCompleted},
		},
		{
			name: "denied at the gate",
			path: []EnvelopeState{StateDenied},
		},
		{
			name: "failure during tool calling",
			path: []EnvelopeState{StateAuthorized, StateProcessing, StateToolCalling, StateFailed},
		},
		{
			name:    "created cannot complete directly",
			path:    []EnvelopeState{StateCompleted},
			wantErr: true,
		},
		{
			name:    "denied is terminal",
			path:    []EnvelopeState{StateDenied, StateProcessing},
			wantErr: true,
		},
		{
			name:    "completed is terminal",
			path:    []EnvelopeState{StateAuthorized, StateProcessing, StateCompleted, StateProcessing},
			wantErr: true,
		},
		{
			name:    "authorized cannot skip to tool calling",
			path:    []EnvelopeState{StateAuthorized, StateToolCalling},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(ChannelCLI, "u1", "tester", "hi", nil)
			var err error
			for _, next := range tt.path {
				if err = env.Transition(next); err != nil {
					break
				}
			}
			if tt.wantErr && err == nil {
				t.Fatalf("path %v: expected transition error, got none", tt.path)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("path %v: unexpected error: %v", tt.path, err)
			}
		})
	}
}

func TestEnvelopeIDsAreSortable(t *testing.T) {
	prev := ""
	for i := 0; i < 50; i++ {
		env := NewEnvelope(ChannelWeb, "u1", "", "msg", nil)
		if env.ID <= prev {
			t.Fatalf("envelope ids not monotonically sortable: %q then %q", prev, env.ID)
		}
		prev = env.ID
	}
}

func TestEnvelopeTerminal(t *testing.T) {
	env := NewEnvelope(ChannelTelegram, "u2", "", "hello", nil)
	if env.Terminal() {
		t.Fatal("fresh envelope reported terminal")
	}
	if err := env.Transition(StateDenied); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !env.Terminal() {
		t.Fatal("denied envelope not terminal")
	}
}
