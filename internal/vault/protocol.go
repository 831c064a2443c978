// Package vault implements the secret-vault daemon and its client.
//
// The vault runs as a separate OS process and owns the master key. It
// exposes encrypt/decrypt over a unix stream socket so the rest of the
// runtime (and the model) never sees plaintext secrets at rest. The wire
// protocol is one JSON object per direction per connection: the client
// writes a request and half-closes, the daemon replies and closes.
package vault

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// MaxMessageSize caps a single request or response on the wire.
const MaxMessageSize = 1 << 20 // 1 MiB

// Protocol operations.
const (
	OpSetup   = "setup"
	OpUnlock  = "unlock"
	OpStatus  = "status"
	OpLock    = "lock"
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
)

// State of the vault, decided by the key file on disk and the presence
// of the master key in memory.
type State string

const (
	StateNeedsSetup State = "needs_setup"
	StateLocked     State = "locked"
	StateUnlocked   State = "unlocked"
)

// Request is one client operation.
type Request struct {
	Op        string `json:"op"`
	Data      string `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Response is the daemon's answer. Data is a JSON string for
// encrypt/decrypt and a StatusInfo object for status.
type Response struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// StatusInfo is the data payload of a status response. Corrupted is set
// when a key file exists on disk but cannot be parsed; the state is then
// reported as needs_setup so callers know setup is required.
type StatusInfo struct {
	State     State `json:"state"`
	Corrupted bool  `json:"corrupted,omitempty"`
}

// stringData renders a plain string payload for a response.
func stringData(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// readMessage reads one JSON object from conn until EOF, enforcing the
// size cap, and unmarshals it into v.
func readMessage(conn net.Conn, v any) error {
	raw, err := io.ReadAll(io.LimitReader(conn, MaxMessageSize+1))
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	if len(raw) > MaxMessageSize {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	if len(raw) == 0 {
		return io.EOF
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// writeMessage writes v as one newline-terminated JSON object.
func writeMessage(conn net.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
