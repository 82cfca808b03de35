// Package controlplane implements the WebSocket client that keeps the
// gateway's router/auth/key configuration synchronized with the control
// plane. Its state machine and message shapes follow the Helicone
// llm-proxy control-plane client almost line for line; the transport is
// github.com/coder/websocket, which the teacher never used but is the only
// library in the pack with a clean context-aware WS client.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// reconnectBackoff is constant, not exponential: a control-plane outage
// should heal as soon as it recovers, and constant-interval retry is what
// the source client does.
const reconnectBackoff = time.Second

// heartbeatInterval and missedHeartbeatLimit implement a liveness check the
// distilled spec named but didn't fully detail; three missed acks force a
// reconnect rather than a silent hang.
const (
	heartbeatInterval  = 30 * time.Second
	missedHeartbeatLimit = 3
)

const historyCapacity = 100

// TX messages — client to control plane.
type txMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RX messages — control plane to client.
type rxMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config is the router/auth/keys configuration snapshot pushed by the
// control plane.
type Config struct {
	Routers json.RawMessage  `json:"routers"`
	Auth    json.RawMessage  `json:"auth"`
	Keys    map[string]string `json:"keys"` // sha256(bearer token) -> owner_id
}

// LogEntry is one completed-request record sent to the control plane via
// SendLog, mirroring the fields internal/logger.RequestLog already captures
// locally.
type LogEntry struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id,omitempty"`
	Router     string    `json:"router"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	StatusCode int       `json:"status_code"`
	LatencyMS  int64     `json:"latency_ms"`
	Cached     bool      `json:"cached"`
	At         time.Time `json:"at"`
}

// historyEntry records one state transition for diagnostics (returned by
// History).
type historyEntry struct {
	At    time.Time
	State State
	Note  string
}

// Client owns the control-plane websocket connection, its reconnect loop,
// and the latest Config snapshot.
type Client struct {
	url       string
	authToken string
	log       *slog.Logger

	mu      sync.RWMutex
	state   State
	config  *Config
	history []historyEntry

	onUpdate func(Config)

	outbox chan txMessage
}

// New constructs a Client. onUpdate, if non-nil, is invoked synchronously
// from the connection loop whenever a fresh Config arrives.
func New(url, authToken string, log *slog.Logger, onUpdate func(Config)) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{url: url, authToken: authToken, log: log, onUpdate: onUpdate, outbox: make(chan txMessage, 64)}
}

// SendLog queues a completed-request log entry for delivery to the control
// plane over the live connection. It never blocks the caller on network
// I/O: if the connection is down the entry is dropped once the outbox
// buffer (64 entries) fills, trading log completeness for request latency.
func (c *Client) SendLog(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("control plane: failed to marshal log entry", slog.String("error", err.Error()))
		return
	}
	select {
	case c.outbox <- txMessage{Type: "SendLog", Data: data}:
	default:
		c.log.Warn("control plane: outbox full, dropping log entry", slog.String("request_id", entry.RequestID))
	}
}

// Snapshot returns the most recently received Config and whether one has
// ever been received.
func (c *Client) Snapshot() (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return Config{}, false
	}
	return *c.config, true
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ValidKeyHashes satisfies internal/auth.KeySource: the Authenticator calls
// this on every request to check bearer-token hashes pushed by the control
// plane's last Config/Update message.
func (c *Client) ValidKeyHashes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return nil
	}
	return c.config.Keys
}

// History returns up to historyCapacity recent state transitions, oldest
// first.
func (c *Client) History() []historyEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]historyEntry, len(c.history))
	copy(out, c.history)
	return out
}

// Run drives the connect/reconnect loop until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, "shutdown")
			return
		default:
		}

		c.setState(StateConnecting, "dialing")
		if err := c.runOnce(ctx); err != nil {
			c.log.WarnContext(ctx, "control plane connection error", slog.String("error", err.Error()))
		}
		c.setState(StateDisconnected, "connection closed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: authHeader(c.authToken),
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	c.setState(StateConnected, "connected")

	if err := wsjson.Write(ctx, conn, txMessage{Type: "RequestConfig"}); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	missed := 0
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	msgs := make(chan rxMessage)
	errs := make(chan error, 1)
	go func() {
		for {
			var msg rxMessage
			if err := wsjson.Read(connCtx, conn, &msg); err != nil {
				errs <- err
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case msg := <-msgs:
			missed = 0
			c.handleMessage(msg)
		case <-heartbeat.C:
			if missed >= missedHeartbeatLimit {
				return errHeartbeatTimeout
			}
			missed++
			_ = wsjson.Write(ctx, conn, txMessage{Type: "Heartbeat"})
		case out := <-c.outbox:
			if err := wsjson.Write(ctx, conn, out); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleMessage(msg rxMessage) {
	switch msg.Type {
	case "Ack":
		return
	case "Config", "Update":
		var cfg Config
		if err := json.Unmarshal(msg.Data, &cfg); err != nil {
			c.log.Warn("control plane: malformed config payload", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		c.config = &cfg
		c.mu.Unlock()
		if c.onUpdate != nil {
			c.onUpdate(cfg)
		}
	case "Message":
		c.log.Debug("control plane message", slog.String("data", string(msg.Data)))
	}
}

func (c *Client) setState(s State, note string) {
	c.mu.Lock()
	c.state = s
	c.history = append(c.history, historyEntry{At: time.Now(), State: s, Note: note})
	if len(c.history) > historyCapacity {
		c.history = c.history[len(c.history)-historyCapacity:]
	}
	c.mu.Unlock()
}

type heartbeatTimeoutError struct{}

func (heartbeatTimeoutError) Error() string { return "control plane: heartbeat timeout" }

var errHeartbeatTimeout = heartbeatTimeoutError{}
