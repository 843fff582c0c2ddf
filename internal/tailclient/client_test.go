package tailclient

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/dump-viewer/internal/broadcast"
)

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		if got := Backoff(i+1, time.Second, 30*time.Second); got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if got := Backoff(100, time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("Backoff(100) = %v, want cap", got)
	}
}

// scriptedConn returns its frames then fails with err, or blocks until ctx
// ends when err is nil.
type scriptedConn struct {
	frames []string
	err    error

	mu      sync.Mutex
	written []string
}

func (c *scriptedConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return websocket.MessageText, []byte(f), nil
	}
	c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (c *scriptedConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(p))
	return nil
}

func (c *scriptedConn) Close(websocket.StatusCode, string) error { return nil }

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func TestRun_ExhaustsAfterMaxAttempts(t *testing.T) {
	var dials int
	log := &stateLog{}
	c := New(Options{
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 3,
		OnState:     log.record,
		Dial: func(context.Context, string) (Conn, error) {
			dials++
			return nil, errors.New("connection refused")
		},
	}, nil)

	err := c.Run(context.Background(), func(Message) {})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run() error = %v, want ErrReconnectExhausted", err)
	}
	if dials != 4 {
		t.Errorf("dials = %d, want 4 (initial + 3 retries)", dials)
	}
	if c.State() != StateError {
		t.Errorf("State() = %q, want error", c.State())
	}
	states := log.snapshot()
	if states[0] != StateConnecting || states[len(states)-1] != StateError {
		t.Errorf("states = %v", states)
	}
}

func TestRun_DeliversMessagesAndStopsOnCancel(t *testing.T) {
	conn := &scriptedConn{frames: []string{
		`{"type":"status","data":{"message":"hi"}}`,
		`not json`,
		`{"type":"dump","data":{"id":"dump_1"}}`,
	}}
	c := New(Options{Dial: func(context.Context, string) (Conn, error) { return conn, nil }}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(m Message) { got <- m })
	}()

	for _, want := range []string{"status", "dump"} {
		select {
		case m := <-got:
			if m.Type != want {
				t.Errorf("message type = %q, want %q", m.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if c.State() != StateConnected {
		t.Errorf("State() = %q, want connected", c.State())
	}
	if err := c.Send(ctx, "requestDumps", map[string]string{"category": "logs"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	conn.mu.Lock()
	written := conn.written
	conn.mu.Unlock()
	if len(written) != 1 || !strings.Contains(written[0], `"type":"requestDumps"`) {
		t.Errorf("written = %v", written)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %q, want disconnected", c.State())
	}
	if err := c.Send(context.Background(), "ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after stop error = %v, want ErrNotConnected", err)
	}
}

func TestRun_SuccessResetsAttempts(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	c := New(Options{
		BaseDelay:   time.Millisecond,
		MaxAttempts: 2,
		Dial: func(context.Context, string) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			// Fail, fail, connect and drop, fail, fail.
			if dials == 3 {
				return &scriptedConn{frames: []string{`{"type":"pong"}`}, err: io.EOF}, nil
			}
			return nil, errors.New("refused")
		},
	}, nil)

	var pongs int
	err := c.Run(context.Background(), func(m Message) {
		if m.Type == "pong" {
			pongs++
		}
	})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run() error = %v", err)
	}
	if pongs != 1 {
		t.Errorf("pongs = %d, want 1", pongs)
	}
	if dials != 5 {
		t.Errorf("dials = %d, want 5", dials)
	}
}

func TestRun_AgainstBroadcaster(t *testing.T) {
	b := broadcast.NewBroadcaster(broadcast.Options{}, nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()

	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 8)
	go func() { _ = c.Run(ctx, func(m Message) { got <- m }) }()

	select {
	case m := <-got:
		if m.Type != broadcast.TypeStatus {
			t.Errorf("first message = %q, want status", m.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for welcome")
	}

	b.Broadcast(broadcast.NewEnvelope(broadcast.TypeDump, map[string]string{"id": "dump_1"}))
	for {
		select {
		case m := <-got:
			if m.Type == broadcast.TypeDump {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for dump")
		}
	}
}
