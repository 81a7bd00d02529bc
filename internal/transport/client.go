// Package transport maintains the single persistent connection to the
// controller. It owns the connection lifecycle state machine: dialing,
// heartbeating, reconnecting with capped exponential backoff, and giving up
// after the configured attempt budget until a manual connect. Everything the
// peer sends surfaces on one ordered event stream consumed by the dispatcher.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next message from the peer. The controller
	// acks every heartbeat, so a healthy link never goes silent this long.
	readWait = 60 * time.Second
	// Maximum message size allowed from the peer.
	maxMessageSize = 1024 * 1024 // 1MB
)

// State is the connection lifecycle state.
type State int32

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

// EventKind tags entries on the event stream.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventGaveUp       EventKind = "gave_up"
)

// Event is one entry on the ordered stream handed to the dispatcher.
// Envelope is set for EventMessage; Err carries the cause for
// EventDisconnected and EventGaveUp.
type Event struct {
	Kind     EventKind
	Envelope schemas.Envelope
	Err      error
}

// Client is the controller-side connection. All writes go through Send and
// fail fast when the link is down; nothing is ever queued for later
// delivery.
type Client struct {
	logger *zap.Logger
	cfg    config.ControllerConfig

	dialer *websocket.Dialer
	policy *reconnectPolicy
	events chan Event
	retry  chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	attempt int
	lastErr error
}

// NewClient creates a client for the configured controller endpoint. Run
// must be called to start the lifecycle.
func NewClient(logger *zap.Logger, cfg config.ControllerConfig) *Client {
	return &Client{
		logger: logger.Named("transport"),
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		policy: newReconnectPolicy(cfg.Reconnect.Base, cfg.Reconnect.Ceiling),
		events: make(chan Event, 64),
		retry:  make(chan struct{}, 1),
	}
}

// Events returns the ordered event stream. The channel is never closed;
// consumers stop by watching their own context.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnect attempt count. It is zero while
// connected.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastError returns the most recent connection error, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run drives the connection until the context ends. It dials immediately,
// serves the live connection, and on loss schedules reconnect attempts with
// delay min(base*1.5^(attempt-1), ceiling). Once the attempt budget is
// exhausted it parks until Connect is called.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeConn()

	for {
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.noteError(err)

		attempt := c.bumpAttempt()
		if c.cfg.Reconnect.MaxAttempts > 0 && attempt > c.cfg.Reconnect.MaxAttempts {
			c.logger.Error("Reconnect attempts exhausted, waiting for manual connect",
				zap.Int("max_attempts", c.cfg.Reconnect.MaxAttempts),
				zap.Error(err))
			c.emit(ctx, Event{Kind: EventGaveUp, Err: err})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.retry:
				c.resetAttempts()
				continue
			}
		}

		delay := c.policy.next()
		c.logger.Info("Scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.retry:
			// A manual connect collapses the remaining delay.
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Connect requests an immediate connection attempt. It is a no-op unless the
// client is disconnected.
func (c *Client) Connect() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateDisconnected {
		return
	}
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Disconnect closes the live connection, if any. The lifecycle then proceeds
// as for any other connection loss, reconnecting per policy.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	_ = conn.Close()
}

// Send marshals the message and writes it immediately. It returns false when
// the client is not connected or the write fails; the message is dropped
// either way. Callers treat a false return as a delivery failure, never as
// something to retry here.
func (c *Client) Send(message interface{}) bool {
	raw, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Warn("Outbound write failed", zap.Error(err))
		return false
	}
	return true
}

// dialAndServe establishes one connection and blocks until it drops or the
// context ends. The returned error is the cause of the loss.
func (c *Client) dialAndServe(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn("Dial failed",
			zap.String("url", c.cfg.URL),
			zap.Error(err))
		return err
	}

	c.adopt(conn)
	c.logger.Info("Connected to controller", zap.String("url", c.cfg.URL))
	c.emit(ctx, Event{Kind: EventConnected})

	readErr := make(chan error, 1)
	go c.readPump(ctx, conn, readErr)

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			c.closeConn()
			c.logger.Warn("Connection lost", zap.Error(err))
			c.emit(ctx, Event{Kind: EventDisconnected, Err: err})
			return err
		case <-heartbeat.C:
			if !c.Send(schemas.Envelope{Kind: schemas.KindHeartbeat, SentAt: time.Now().UTC()}) {
				c.logger.Warn("Heartbeat dropped, link not writable")
			}
		}
	}
}

// readPump decodes inbound frames and forwards them to the event stream.
// Malformed payloads are logged and dropped; they never take the client
// down.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, readErr chan<- error) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Read error", zap.Error(err))
			}
			readErr <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var envelope schemas.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.logger.Warn("Dropping malformed inbound message",
				zap.ByteString("raw", raw),
				zap.Error(err))
			continue
		}
		if envelope.Kind == "" {
			c.logger.Warn("Dropping inbound message without a kind", zap.ByteString("raw", raw))
			continue
		}

		select {
		case c.events <- Event{Kind: EventMessage, Envelope: envelope}:
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = StateConnected
	c.attempt = 0
	c.lastErr = nil
	c.policy.reset()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) noteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *Client) bumpAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
	c.policy.reset()
}
