package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ErrNotUnlocked is returned by Encrypt/Decrypt when the daemon holds no
// master key.
var ErrNotUnlocked = errors.New("vault not unlocked")

// Client talks to the vault daemon. Each call opens one connection,
// sends one request, and reads one response; there is no session state.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewClient returns a client for the daemon socket at path.
func NewClient(path string) *Client {
	return &Client{socketPath: path, dialTimeout: 5 * time.Second}
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial vault: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := writeMessage(conn, req); err != nil {
		return nil, err
	}
	// Half-close so the daemon's read-to-EOF returns.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	var resp Response
	if err := readMessage(conn, &resp); err != nil {
		return nil, err
	}
	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("vault response id mismatch")
	}
	return &resp, nil
}

func (c *Client) stringOp(ctx context.Context, op, data string) (string, error) {
	resp, err := c.do(ctx, &Request{Op: op, Data: data})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		if resp.Error == "not_unlocked" {
			return "", ErrNotUnlocked
		}
		return "", fmt.Errorf("vault %s: %s", op, resp.Error)
	}
	var out string
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			return "", fmt.Errorf("vault %s: decode data: %w", op, err)
		}
	}
	return out, nil
}

// Setup initializes a fresh vault and leaves it unlocked.
func (c *Client) Setup(ctx context.Context, password string) error {
	_, err := c.stringOp(ctx, OpSetup, password)
	return err
}

// Unlock loads the master key into daemon memory.
func (c *Client) Unlock(ctx context.Context, password string) error {
	_, err := c.stringOp(ctx, OpUnlock, password)
	return err
}

// Lock wipes the in-memory master key.
func (c *Client) Lock(ctx context.Context) error {
	_, err := c.stringOp(ctx, OpLock, "")
	return err
}

// Status reports the daemon state without touching the key.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	resp, err := c.do(ctx, &Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("vault status: %s", resp.Error)
	}
	var info StatusInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return nil, fmt.Errorf("vault status: decode: %w", err)
	}
	return &info, nil
}

// Unlocked reports whether encrypt/decrypt would currently succeed.
// Connection errors read as locked.
func (c *Client) Unlocked(ctx context.Context) bool {
	info, err := c.Status(ctx)
	return err == nil && info.State == StateUnlocked
}

// Encrypt seals plaintext and returns the embeddable marker.
func (c *Client) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return c.stringOp(ctx, OpEncrypt, plaintext)
}

// Decrypt reverses Encrypt given the exact marker string.
func (c *Client) Decrypt(ctx context.Context, marker string) (string, error) {
	return c.stringOp(ctx, OpDecrypt, marker)
}
