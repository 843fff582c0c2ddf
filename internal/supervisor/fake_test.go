package supervisor

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProcess struct {
	id      string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exit    chan ExitStatus
	once    sync.Once

	ignoreTerm bool
	killed     atomic.Bool
	alive      atomic.Bool
}

func newFakeProcess(id string, ignoreTerm bool) *fakeProcess {
	p := &fakeProcess{id: id, exit: make(chan ExitStatus, 1), ignoreTerm: ignoreTerm}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.alive.Store(true)
	return p
}

func (p *fakeProcess) exitWith(st ExitStatus) {
	p.once.Do(func() {
		p.alive.Store(false)
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exit <- st
	})
}

func (p *fakeProcess) ID() string        { return p.id }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }
func (p *fakeProcess) Wait() ExitStatus  { return <-p.exit }
func (p *fakeProcess) Alive() bool       { return p.alive.Load() }

func (p *fakeProcess) Signal(os.Signal) error {
	if !p.ignoreTerm {
		p.exitWith(ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exitWith(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	toolchain  bool
	library    bool
	installErr error
	installed  bool
	ignoreTerm bool
	launches   []LaunchSpec
	scripts    []string
	procs      chan *fakeProcess
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{toolchain: true, library: true, procs: make(chan *fakeProcess, 16)}
}

func (r *fakeRuntime) Name() string                            { return "fake" }
func (r *fakeRuntime) ToolchainAvailable(context.Context) bool { return r.toolchain }
func (r *fakeRuntime) AutoloadPath() string                    { return "/srv/vendor/autoload.php" }
func (r *fakeRuntime) CleanupStale(context.Context)            {}

func (r *fakeRuntime) LibraryAvailable(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.library
}

func (r *fakeRuntime) InstallLibrary(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installErr != nil {
		return r.installErr
	}
	r.installed = true
	r.library = true
	return nil
}

func (r *fakeRuntime) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	script, err := os.ReadFile(spec.ScriptPath)
	if err != nil {
		return nil, err
	}
	r.scripts = append(r.scripts, string(script))
	r.launches = append(r.launches, spec)
	p := newFakeProcess("fake-"+strconv.Itoa(len(r.launches)), r.ignoreTerm)
	r.procs <- p
	return p, nil
}

func (r *fakeRuntime) launchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launches)
}

func (r *fakeRuntime) nextProcess(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-r.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for launch")
		return nil
	}
}

// waitFor skips events until one of type T arrives.
func waitFor[T Event](t *testing.T, s *Supervisor) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if e, ok := ev.(T); ok {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
