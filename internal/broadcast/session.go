package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// SessionInfo describes a connected session.
type SessionInfo struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remoteAddr"`
	ConnectedAt time.Time  `json:"connectedAt"`
	LastPing    *time.Time `json:"lastPing,omitempty"`
}

// session is one connected client. Outbound frames go through queue and
// are written by a single goroutine, so per-session order is send order.
type session struct {
	id          string
	conn        Conn
	remoteAddr  string
	connectedAt time.Time
	lastPing    atomic.Int64 // unix nanos, 0 = never
	queue       chan []byte
	limiter     *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	reason    atomic.Value // string
}

func newSession(id string, conn Conn, remoteAddr string, queueSize int, limiter *rate.Limiter) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		queue:       make(chan []byte, queueSize),
		limiter:     limiter,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// enqueue queues a frame without blocking. False means the session is
// closed or its queue is full.
func (s *session) enqueue(frame []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// close tears the session down once. The first reason wins.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

func (s *session) closeReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (s *session) markPing() {
	s.lastPing.Store(time.Now().UnixNano())
}

func (s *session) info() SessionInfo {
	info := SessionInfo{ID: s.id, RemoteAddr: s.remoteAddr, ConnectedAt: s.connectedAt}
	if ns := s.lastPing.Load(); ns != 0 {
		t := time.Unix(0, ns)
		info.LastPing = &t
	}
	return info
}
