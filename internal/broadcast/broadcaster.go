// Package broadcast fans dump records out to connected browser sessions
// over WebSocket.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultQueueSize    = 256
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultRateLimit    = 20
	DefaultRateBurst    = 40
	DefaultEventBuffer  = 256
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("broadcaster closed")

// Options configures a Broadcaster. Zero values take the defaults above.
type Options struct {
	QueueSize    int
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit is inbound messages per second per session. Negative disables it.
	RateLimit      float64
	RateBurst      int
	EventBuffer    int
	AllowedOrigins []string
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RateLimit == 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = DefaultRateBurst
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
}

// Broadcaster owns the set of live sessions.
type Broadcaster struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBroadcaster creates an empty broadcaster. Call Run to start liveness checks.
func NewBroadcaster(opts Options, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Broadcaster{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
		events:   make(chan Event, opts.EventBuffer),
		closing:  make(chan struct{}),
	}
}

// Events returns client requests and connection changes. Never closed.
func (b *Broadcaster) Events() <-chan Event {
	return b.events
}

// Run pings every session on an interval until ctx ends or Close is called.
// Sessions that fail the ping are pruned.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep(ctx)
		case <-ctx.Done():
			return
		case <-b.closing:
			return
		}
	}
}

func (b *Broadcaster) sweep(ctx context.Context) {
	sessions := b.snapshot()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, b.opts.PingTimeout)
			defer cancel()

			if err := s.conn.Ping(pingCtx); err != nil {
				b.logger.Info("Session failed liveness ping", "session_id", s.id, "error", err)
				b.prune(s, websocket.StatusGoingAway, "ping timeout")
				return
			}
			s.markPing()
		}(s)
	}
	wg.Wait()
}

// snapshot copies the session set so fan-out never holds the lock.
func (b *Broadcaster) snapshot() []*session {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// Attach registers conn as a session and serves it until the connection
// ends. It blocks; callers run it on the connection's goroutine.
func (b *Broadcaster) Attach(ctx context.Context, conn Conn, remoteAddr string) error {
	limit := rate.Inf
	if b.opts.RateLimit > 0 {
		limit = rate.Limit(b.opts.RateLimit)
	}
	s := newSession("client_"+uuid.NewString(), conn, remoteAddr, b.opts.QueueSize, rate.NewLimiter(limit, b.opts.RateBurst))

	b.mu.Lock()
	select {
	case <-b.closing:
		b.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ErrClosed
	default:
	}
	b.sessions[s.id] = s
	count := len(b.sessions)
	b.wg.Add(1)
	b.mu.Unlock()
	b.logger.Info("Session connected", "session_id", s.id, "remote_addr", remoteAddr, "sessions", count)

	go func() {
		defer b.wg.Done()
		b.writeLoop(s)
	}()

	b.send(s, NewEnvelope(TypeStatus, map[string]string{
		"message":   "Connected to dump viewer",
		"sessionId": s.id,
	}))
	b.emit(ctx, EventConnected{Session: s.id, RemoteAddr: remoteAddr})

	reason := b.readLoop(ctx, s)

	b.prune(s, websocket.StatusNormalClosure, reason)
	b.emit(context.Background(), EventDisconnected{Session: s.id, Reason: s.closeReason()})
	return nil
}

func (b *Broadcaster) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.queue:
			writeCtx, cancel := context.WithTimeout(s.ctx, b.opts.WriteTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					b.logger.Debug("Session write failed", "session_id", s.id, "error", err)
				}
				b.prune(s, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readLoop dispatches client frames and returns why reading stopped.
func (b *Broadcaster) readLoop(ctx context.Context, s *session) string {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		_, data, err := s.conn.Read(readCtx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				b.logger.Debug("Session closed by client", "session_id", s.id, "status", status)
				return "client closed"
			}
			if s.ctx.Err() != nil {
				return s.closeReason()
			}
			b.logger.Debug("Session read ended", "session_id", s.id, "error", err)
			return "read failed"
		}

		if !s.limiter.Allow() {
			b.send(s, ErrorEnvelope("Rate limit exceeded"))
			continue
		}

		b.handleMessage(readCtx, s, data)
	}
}

func (b *Broadcaster) handleMessage(ctx context.Context, s *session, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Debug("Malformed client message", "session_id", s.id, "error", err)
		b.send(s, ErrorEnvelope("Invalid message format"))
		return
	}

	switch msg.Type {
	case TypePing:
		s.markPing()
		b.send(s, NewEnvelope(TypePong, nil))
	case TypeRequestStatus:
		b.emit(ctx, EventRequestStatus{Session: s.id})
	case TypeRequestDumps:
		f, err := msg.filter()
		if err != nil {
			b.send(s, ErrorEnvelope("Invalid filter"))
			return
		}
		b.emit(ctx, EventRequestDumps{Session: s.id, Filter: f})
	case TypeClearDumps:
		b.emit(ctx, EventClearDumps{Session: s.id})
	case TypeFilterDumps:
		f, err := msg.filter()
		if err != nil {
			b.send(s, ErrorEnvelope("Invalid filter"))
			return
		}
		ev := EventFilterDumps{Session: s.id}
		if f != nil {
			ev.Filter = *f
		}
		b.emit(ctx, ev)
	default:
		b.logger.Warn("Unknown client message type", "session_id", s.id, "type", msg.Type)
	}
}

func (b *Broadcaster) emit(ctx context.Context, ev Event) {
	select {
	case b.events <- ev:
	case <-b.closing:
	case <-ctx.Done():
	}
}

// send queues env for s, pruning it if the queue is full.
func (b *Broadcaster) send(s *session, env Envelope) bool {
	frame, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to encode message", "type", env.Type, "error", err)
		return false
	}
	return b.sendFrame(s, frame)
}

func (b *Broadcaster) sendFrame(s *session, frame []byte) bool {
	if s.enqueue(frame) {
		return true
	}
	if s.ctx.Err() == nil {
		b.logger.Warn("Session queue full, dropping slow consumer", "session_id", s.id, "queue_size", b.opts.QueueSize)
		b.prune(s, websocket.StatusPolicyViolation, "slow consumer")
	}
	return false
}

// Broadcast queues env for every live session and returns how many
// accepted it. Sessions whose queue is full are pruned.
func (b *Broadcaster) Broadcast(env Envelope) int {
	frame, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to encode broadcast", "type", env.Type, "error", err)
		return 0
	}

	sent := 0
	for _, s := range b.snapshot() {
		if b.sendFrame(s, frame) {
			sent++
		}
	}
	return sent
}

// SendTo queues env for one session. It returns false if the session is
// gone or could not accept the message.
func (b *Broadcaster) SendTo(sessionID string, env Envelope) bool {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return b.send(s, env)
}

// prune removes s from the live set and closes it.
func (b *Broadcaster) prune(s *session, code websocket.StatusCode, reason string) {
	b.mu.Lock()
	cur, ok := b.sessions[s.id]
	if ok && cur == s {
		delete(b.sessions, s.id)
	}
	count := len(b.sessions)
	b.mu.Unlock()

	s.close(code, reason)
	if ok {
		b.logger.Info("Session removed", "session_id", s.id, "reason", reason, "sessions", count)
	}
}

// Count returns the number of live sessions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Sessions describes the live sessions.
func (b *Broadcaster) Sessions() []SessionInfo {
	sessions := b.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

// Close disconnects every session and waits for their writers to exit.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.closing)
		b.mu.Unlock()

		for _, s := range b.snapshot() {
			b.prune(s, websocket.StatusGoingAway, "server shutting down")
		}
		b.wg.Wait()
	})
}
