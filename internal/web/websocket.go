package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingPeriod   = 15 * time.Second
	wsMaxPayload   = 1 << 20
	wsSendBuffer   = 64
	wsVaultTimeout = 10 * time.Second
)

// clientFrame is one frame read from the browser. A frame without a
// type carrying message text drives a streaming turn.
type clientFrame struct {
	Type     string `json:"type,omitempty"`
	Message  string `json:"message,omitempty"`
	BankID   string `json:"bank_id,omitempty"`
	Password string `json:"password,omitempty"`
}

// serverFrame is one frame written to the browser.
type serverFrame struct {
	Type     string `json:"type,omitempty"`
	Status   string `json:"status,omitempty"`
	Content  string `json:"content,omitempty"`
	Response string `json:"response,omitempty"`
	BankID   string `json:"bank_id,omitempty"`
	Event    string `json:"event,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// wsConn is one open WebSocket connection. Turns run sequentially in
// the read loop; the write loop serializes all outbound frames.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	c.run()
}

func (c *wsConn) run() {
	if m := c.server.cfg.Metrics; m != nil {
		m.WebSocketConnections.Inc()
		defer m.WebSocketConnections.Dec()
	}
	defer c.close()

	go c.writeLoop()

	c.sendVaultStatus()

	if b := c.server.cfg.Broadcaster; b != nil {
		unsubscribe := b.Subscribe("ws-"+c.id, func(_ context.Context, event models.NotificationEvent) error {
			return c.enqueue(serverFrame{Type: "notification", Event: event.Kind, Message: event.Message})
		})
		defer unsubscribe()
	}

	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
	c.server.logger.Debug("websocket closed", "connection_id", c.id)
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayload)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.enqueue(serverFrame{Error: "invalid frame"})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) dispatch(frame clientFrame) {
	switch frame.Type {
	case "vault_setup", "vault_unlock":
		c.vaultOp(frame.Type, frame.Password)
	case "", "message":
		if strings.TrimSpace(frame.Message) == "" {
			_ = c.enqueue(serverFrame{Error: "message is required"})
			return
		}
		c.streamTurn(frame)
	default:
		_ = c.enqueue(serverFrame{Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

// sendVaultStatus performs the connection handshake: the first frame
// every client receives is the current vault state.
func (c *wsConn) sendVaultStatus() {
	v := c.server.cfg.Vault
	if v == nil {
		_ = c.enqueue(serverFrame{Type: "vault_status", Status: "unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, wsVaultTimeout)
	defer cancel()

	info, err := v.Status(ctx)
	if err != nil {
		_ = c.enqueue(serverFrame{Type: "vault_error", Error: err.Error()})
		return
	}
	_ = c.enqueue(serverFrame{Type: "vault_status", Status: string(info.State)})
}

func (c *wsConn) vaultOp(op, password string) {
	v := c.server.cfg.Vault
	if v == nil {
		_ = c.enqueue(serverFrame{Type: "vault_error", Error: "vault unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, wsVaultTimeout)
	defer cancel()

	var err error
	switch op {
	case "vault_setup":
		err = v.Setup(ctx, password)
	case "vault_unlock":
		err = v.Unlock(ctx, password)
	}
	if err != nil {
		_ = c.enqueue(serverFrame{Type: "vault_error", Error: err.Error()})
		return
	}
	c.sendVaultStatus()
}

// streamTurn drives one streaming turn, forwarding each text delta as
// a stream frame and finishing with a done frame. A client too slow to
// drain its send buffer is cut off.
func (c *wsConn) streamTurn(frame clientFrame) {
	var meta map[string]string
	if frame.BankID != "" {
		meta = map[string]string{"bank_id": frame.BankID}
	}
	env := models.NewEnvelope(models.ChannelWeb, c.id, "", frame.Message, meta)

	events, err := c.server.cfg.Agent.Stream(c.ctx, env)
	if err != nil {
		_ = c.enqueue(serverFrame{Error: err.Error()})
		return
	}

	for event := range events {
		switch {
		case event.Err != nil:
			_ = c.enqueue(serverFrame{Error: event.Err.Error()})
		case event.Done:
			_ = c.enqueue(serverFrame{Type: "done", Response: event.Response, BankID: event.BankID})
		default:
			if err := c.enqueue(serverFrame{Type: "stream", Content: event.Text}); err != nil {
				c.cancel()
			}
		}
	}
}

// enqueue hands a frame to the write loop without blocking the caller.
func (c *wsConn) enqueue(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}
