package viewer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dump-viewer/internal/broadcast"
	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/store"
	"github.com/ashureev/dump-viewer/internal/supervisor"
)

type fakeSource struct {
	events chan supervisor.Event
	mu     sync.Mutex
	state  supervisor.State
	port   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan supervisor.Event, 16), state: supervisor.StateRunning, port: 9912}
}

func (f *fakeSource) Events() <-chan supervisor.Event { return f.events }
func (f *fakeSource) IsRunning() bool                 { return f.State() == supervisor.StateRunning }
func (f *fakeSource) Port() int                       { return f.port }
func (f *fakeSource) StreamAttached() bool            { return f.IsRunning() }
func (f *fakeSource) RuntimeName() string             { return "fake" }
func (f *fakeSource) HelperScript() string            { return "<?php // helper" }
func (f *fakeSource) HelperPath() string              { return "/tmp/dump-helper.php" }

func (f *fakeSource) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) setState(s supervisor.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type fakeHub struct {
	events chan broadcast.Event

	mu         sync.Mutex
	broadcasts []broadcast.Envelope
	sent       map[string][]broadcast.Envelope
	count      int
}

func newFakeHub() *fakeHub {
	return &fakeHub{events: make(chan broadcast.Event, 16), sent: make(map[string][]broadcast.Envelope), count: 1}
}

func (h *fakeHub) Events() <-chan broadcast.Event { return h.events }

func (h *fakeHub) Broadcast(env broadcast.Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, env)
	return h.count
}

func (h *fakeHub) SendTo(id string, env broadcast.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent[id] = append(h.sent[id], env)
	return true
}

func (h *fakeHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *fakeHub) Sessions() []broadcast.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broadcast.SessionInfo, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, broadcast.SessionInfo{ID: fmt.Sprintf("sess-%d", i+1), RemoteAddr: "127.0.0.1"})
	}
	return out
}

// broadcastTypes lists the broadcast envelope types in order.
func (h *fakeHub) broadcastTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.broadcasts))
	for _, env := range h.broadcasts {
		out = append(out, env.Type)
	}
	return out
}

func (h *fakeHub) lastBroadcast(typ string) (broadcast.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.broadcasts) - 1; i >= 0; i-- {
		if h.broadcasts[i].Type == typ {
			return h.broadcasts[i], true
		}
	}
	return broadcast.Envelope{}, false
}

func (h *fakeHub) sentTo(id string) []broadcast.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast.Envelope(nil), h.sent[id]...)
}

type fakeJournal struct {
	store.NopJournal
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (j *fakeJournal) Append(_ context.Context, ev domain.LifecycleEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *fakeJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeHealth struct {
	mu      sync.Mutex
	running []bool
}

func (h *fakeHealth) SetDumpServer(running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = append(h.running, running)
}

func (h *fakeHealth) last() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.running) == 0 {
		return false, false
	}
	return h.running[len(h.running)-1], true
}

type harness struct {
	viewer  *Viewer
	source  *fakeSource
	hub     *fakeHub
	ring    *store.Ring
	journal *fakeJournal
	health  *fakeHealth
}

// newHarness builds a running viewer over fakes. The loop stops at test end.
func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	h := &harness{
		source:  newFakeSource(),
		hub:     newFakeHub(),
		ring:    store.NewRing(capacity),
		journal: &fakeJournal{},
		health:  &fakeHealth{},
	}
	h.viewer = New(h.source, h.hub, classify.NewClassifier(classify.ModeGeneric, nil), h.ring, h.journal, Options{WebPort: 3000}, nil)
	h.viewer.SetHealth(h.health)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.viewer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
