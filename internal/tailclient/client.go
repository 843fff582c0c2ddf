// Package tailclient follows a dump viewer's push channel over WebSocket,
// reconnecting with capped exponential backoff.
package tailclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
	readLimit          = 32 << 20
)

// ErrReconnectExhausted is returned by Run once every reconnection attempt
// has failed. The client stays in StateError until Run is called again.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

// State is the connection state reported to observers.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Message is one envelope received from the viewer.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Dial        DialFunc
	// OnState is called on every state change, from the Run goroutine.
	OnState func(State)
}

// Client follows one viewer.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
}

// New creates a Client. It does not connect until Run.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Dial == nil {
		opts.Dial = dialWebSocket
	}
	return &Client{opts: opts, logger: logger, state: StateDisconnected}
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Backoff returns the delay before reconnection attempt n (1-based):
// base * 2^(n-1), capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed reconnection attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug("Tail client state changed", "state", s, "url", c.opts.URL)
		if c.opts.OnState != nil {
			c.opts.OnState(s)
		}
	}
}

// Run connects and calls handle for every received message until ctx is
// cancelled (returns nil) or reconnection is exhausted (returns an error
// wrapping ErrReconnectExhausted).
func (c *Client) Run(ctx context.Context, handle func(Message)) error {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnecting)

	for {
		conn, err := c.opts.Dial(ctx, c.opts.URL)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateConnected)
			c.logger.Info("Connected to dump viewer", "url", c.opts.URL)

			err = c.serve(ctx, conn, handle)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.mu.Lock()
		if c.attempts >= c.opts.MaxAttempts {
			c.mu.Unlock()
			c.setState(StateError)
			c.logger.Error("Giving up on dump viewer", "url", c.opts.URL, "attempts", c.opts.MaxAttempts, "error", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, c.opts.MaxAttempts, err)
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := Backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		c.setState(StateReconnecting)
		c.logger.Warn("Dump viewer connection lost, retrying",
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return nil
		}
	}
}

// serve reads until the connection fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn Conn, handle func(Message)) error {
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Ignoring malformed message", "error", err)
			continue
		}
		handle(msg)
	}
}

// Send writes a client message such as requestDumps on the open connection.
func (c *Client) Send(ctx context.Context, typ string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}
