// Package supervisor runs the PHP dump server and turns its stdout into
// framed HTML records.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ashureev/dump-viewer/internal/stream"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("supervisor closed")

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 9912
	DefaultSettleDelay     = 1 * time.Second
	DefaultCleanupDelay    = 500 * time.Millisecond
	DefaultRestartDelay    = 2 * time.Second
	DefaultHealthInterval  = 5 * time.Second
	DefaultStopTimeout     = 5 * time.Second
	DefaultMaxPendingBytes = 16 << 20
	DefaultEventBuffer     = 256

	readChunkSize = 32 * 1024
	drainTimeout  = 1 * time.Second
)

// Options configures a Supervisor. Zero values take the defaults above.
type Options struct {
	Host         string
	Port         int
	PortAttempts int
	// MaxPendingBytes bounds unframed stdout before the process is
	// treated as stale and restarted. Negative disables the check.
	MaxPendingBytes int
	TempDir         string
	SettleDelay     time.Duration
	CleanupDelay    time.Duration
	RestartDelay    time.Duration
	HealthInterval  time.Duration
	StopTimeout     time.Duration
	EventBuffer     int
	Probe           PortProbe
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.PortAttempts <= 0 {
		o.PortAttempts = DefaultPortAttempts
	}
	if o.MaxPendingBytes == 0 {
		o.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = DefaultCleanupDelay
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Probe == nil {
		o.Probe = ListenProbe
	}
}

// run is one launched process. Fields below readers are guarded by Supervisor.mu.
type run struct {
	proc    Process
	port    int
	done    chan struct{} // closed once the exit is handled
	readers sync.WaitGroup

	settling bool
	stopping bool
	ended    bool
	reason   string
	status   ExitStatus
}

// Supervisor owns the dump server process.
type Supervisor struct {
	opts   Options
	rt     Runtime
	logger *slog.Logger

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// opMu serializes Start, Stop and automatic restarts.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	port      int
	cur       *run
	restart   *time.Timer
	launcher  string
	helper    string
	helperSrc string

	attached atomic.Int32
}

// New creates a stopped supervisor.
func New(rt Runtime, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		opts:    opts,
		rt:      rt,
		logger:  logger,
		events:  make(chan Event, opts.EventBuffer),
		closing: make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		state:   StateStopped,
		port:    opts.Port,
	}
}

// Events returns the event stream. It is never closed; consumers stop on
// their own context.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the dump server is up.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// Port returns the selected port, or the preferred one before the first start.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// StreamAttached reports whether a stdout reader is consuming a live process.
func (s *Supervisor) StreamAttached() bool {
	return s.attached.Load() > 0
}

// RuntimeName names the runtime in use.
func (s *Supervisor) RuntimeName() string {
	return s.rt.Name()
}

// HelperPath returns the helper file written by the last start, if any.
func (s *Supervisor) HelperPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helper
}

// HelperScript returns the PHP helper source for the current port.
func (s *Supervisor) HelperScript() string {
	s.mu.Lock()
	src, port := s.helperSrc, s.port
	s.mu.Unlock()
	if src != "" {
		return src
	}

	src, err := RenderHelper(s.helperAutoload(), s.opts.Host, port)
	if err != nil {
		s.logger.Error("Failed to render PHP helper", "error", err)
		return ""
	}
	return src
}

// Start verifies dependencies, picks a port and launches the dump server.
// It is a no-op when already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.cancelRestartLocked()
	s.mu.Unlock()

	return s.start(ctx)
}

// start runs the start sequence. Caller holds opMu.
func (s *Supervisor) start(ctx context.Context) error {
	s.setState(StateStarting)
	if err := s.launch(ctx); err != nil {
		s.setState(StateStopped)
		return err
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context) error {
	if err := s.verifyDependencies(ctx); err != nil {
		return err
	}

	s.rt.CleanupStale(ctx)
	if err := sleepCtx(ctx, s.opts.CleanupDelay); err != nil {
		return err
	}

	port, err := FindPort(s.opts.Host, s.opts.Port, s.opts.PortAttempts, s.opts.Probe)
	if err != nil {
		return err
	}
	if port != s.opts.Port {
		s.logger.Info("Preferred dump port busy, using alternative", "preferred", s.opts.Port, "port", port)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	if err := s.writeScripts(port); err != nil {
		return err
	}

	s.mu.Lock()
	scriptPath := s.launcher
	s.mu.Unlock()

	proc, err := s.rt.Launch(ctx, LaunchSpec{Host: s.opts.Host, Port: port, ScriptPath: scriptPath})
	if err != nil {
		s.removeScripts()
		return fmt.Errorf("launch dump server: %w", err)
	}

	r := &run{proc: proc, port: port, done: make(chan struct{}), settling: true}
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	s.watch(r)

	timer := time.NewTimer(s.opts.SettleDelay)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
	case <-ctx.Done():
		_ = proc.Kill()
		select {
		case <-r.done:
		case <-time.After(s.opts.StopTimeout):
		}
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		s.removeScripts()
		return ctx.Err()
	}

	s.mu.Lock()
	if r.ended {
		st := r.status
		s.cur = nil
		s.mu.Unlock()
		s.removeScripts()
		return fmt.Errorf("dump server exited during startup: %s", describeExit(st))
	}
	r.settling = false
	from := s.state
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("Dump server started", "runtime", s.rt.Name(), "process", proc.ID(), "host", s.opts.Host, "port", port)
	s.emit(EventStateChanged{From: from, To: StateRunning, Port: port})
	return nil
}

func (s *Supervisor) verifyDependencies(ctx context.Context) error {
	if !s.rt.ToolchainAvailable(ctx) {
		return fmt.Errorf("%w: PHP is not available (%s runtime)", ErrDependency, s.rt.Name())
	}
	if s.rt.LibraryAvailable(ctx) {
		return nil
	}

	s.logger.Info("VarDumper not found, attempting install", "runtime", s.rt.Name())
	if err := s.rt.InstallLibrary(ctx); err != nil {
		if errors.Is(err, ErrDependency) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDependency, err)
	}
	return nil
}

// hostAutoloader is implemented by runtimes whose launch-side autoload path
// differs from the one PHP apps on the host should use.
type hostAutoloader interface {
	HostAutoloadPath() string
}

func (s *Supervisor) helperAutoload() string {
	if h, ok := s.rt.(hostAutoloader); ok {
		return h.HostAutoloadPath()
	}
	return s.rt.AutoloadPath()
}

func (s *Supervisor) writeScripts(port int) error {
	launcherSrc, err := RenderLauncher(s.rt.AutoloadPath(), s.opts.Host, port)
	if err != nil {
		return err
	}
	launcher, err := writeTemp(s.opts.TempDir, LauncherPrefix+"*.php", launcherSrc)
	if err != nil {
		return fmt.Errorf("write launcher script: %w", err)
	}

	helperSrc, err := RenderHelper(s.helperAutoload(), s.opts.Host, port)
	if err != nil {
		_ = os.Remove(launcher)
		return err
	}
	helper, err := writeTemp(s.opts.TempDir, HelperPrefix+"*.php", helperSrc)
	if err != nil {
		_ = os.Remove(launcher)
		return fmt.Errorf("write PHP helper: %w", err)
	}

	s.mu.Lock()
	s.launcher = launcher
	s.helper = helper
	s.helperSrc = helperSrc
	s.mu.Unlock()

	s.logger.Info("PHP helper written", "path", helper, "usage", "require_once '"+helper+"';")
	return nil
}

func (s *Supervisor) removeScripts() {
	s.mu.Lock()
	paths := []string{s.launcher, s.helper}
	s.launcher = ""
	s.helper = ""
	s.mu.Unlock()

	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove temp script", "path", p, "error", err)
		}
	}
}

func (s *Supervisor) watch(r *run) {
	r.readers.Add(2)
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer r.readers.Done()
		s.readStdout(r)
	}()
	go func() {
		defer s.wg.Done()
		defer r.readers.Done()
		s.readStderr(r)
	}()
	go func() {
		defer s.wg.Done()
		s.waitExit(r)
	}()
}

func (s *Supervisor) readStdout(r *run) {
	s.attached.Add(1)
	defer s.attached.Add(-1)

	framer := stream.NewFramer("")
	buf := make([]byte, readChunkSize)
	out := r.proc.Stdout()

	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, rec := range framer.Feed(buf[:n]) {
				s.emit(EventRecord{HTML: rec})
			}
			if s.opts.MaxPendingBytes > 0 && framer.Pending() > s.opts.MaxPendingBytes {
				s.logger.Warn("Dump server output has no separator, restarting",
					"pending_bytes", framer.Pending(),
					"limit", s.opts.MaxPendingBytes)
				s.setReason(r, fmt.Sprintf("stale: %d bytes without separator", framer.Pending()))
				framer.Reset()
				if err := r.proc.Kill(); err != nil {
					s.logger.Warn("Failed to kill stale dump server", "error", err)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("Dump server stdout closed", "error", err)
			}
			if p := framer.Pending(); p > 0 {
				s.logger.Debug("Discarding partial record at end of stream", "bytes", p)
			}
			return
		}
	}
}

// SuppressStderr reports whether a stderr line is PHP noise.
func SuppressStderr(line string) bool {
	return strings.Contains(line, "PHP Notice") || strings.Contains(line, "PHP Warning")
}

func (s *Supervisor) readStderr(r *run) {
	errOut := r.proc.Stderr()
	sc := bufio.NewScanner(errOut)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || SuppressStderr(line) {
			continue
		}
		s.logger.Warn("Dump server stderr", "message", line)
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, errOut)
	}
}

func (s *Supervisor) waitExit(r *run) {
	st := r.proc.Wait()

	drained := make(chan struct{})
	go func() {
		r.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}
	closeStreams(r.proc)

	s.handleExit(r, st)
}

func closeStreams(p Process) {
	for _, rd := range []io.Reader{p.Stdout(), p.Stderr()} {
		if c, ok := rd.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (s *Supervisor) setReason(r *run, reason string) {
	s.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	s.mu.Unlock()
}

// handleExit records the exit of r. An exit that was neither requested nor
// part of a failed start is a crash and schedules a restart.
func (s *Supervisor) handleExit(r *run, st ExitStatus) {
	s.mu.Lock()
	if r.ended {
		s.mu.Unlock()
		return
	}
	r.ended = true
	r.status = st

	if s.cur != r || r.stopping || r.settling {
		s.mu.Unlock()
		close(r.done)
		return
	}

	s.cur = nil
	from := s.state
	s.state = StateCrashed
	reason := r.reason
	s.mu.Unlock()

	s.removeScripts()
	close(r.done)

	if reason == "" {
		reason = "unexpected exit"
	}
	s.logger.Error("Dump server crashed",
		"process", r.proc.ID(),
		"port", r.port,
		"exit_code", st.Code,
		"signal", st.Signal,
		"reason", reason,
		"restart_in", s.opts.RestartDelay)

	s.emit(EventStateChanged{From: from, To: StateCrashed, Port: r.port})
	s.emit(EventCrashed{Port: r.port, ExitCode: st.Code, Signal: st.Signal, Reason: reason})
	s.scheduleRestart()
}

func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closing:
		return
	default:
	}
	if s.state != StateCrashed {
		return
	}

	s.cancelRestartLocked()
	s.wg.Add(1)
	s.restart = time.AfterFunc(s.opts.RestartDelay, func() {
		defer s.wg.Done()
		s.autoRestart()
	})
}

// cancelRestartLocked stops a pending restart. Caller holds mu.
func (s *Supervisor) cancelRestartLocked() {
	if s.restart != nil && s.restart.Stop() {
		s.wg.Done()
	}
	s.restart = nil
}

func (s *Supervisor) autoRestart() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.restart = nil
	if s.state != StateCrashed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case <-s.closing:
		return
	default:
	}

	s.logger.Info("Restarting dump server")
	if err := s.start(s.baseCtx); err != nil {
		s.logger.Error("Dump server restart failed", "error", err)
		s.emit(EventError{Err: fmt.Errorf("restart dump server: %w", err)})
	}
}

// StartHealthMonitor polls the process until ctx ends or the supervisor
// closes. A dead process that was not reaped is treated as a crash.
func (s *Supervisor) StartHealthMonitor(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.checkHealth()
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			}
		}
	}()
}

func (s *Supervisor) checkHealth() {
	s.mu.Lock()
	r := s.cur
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || r == nil || r.proc.Alive() {
		return
	}

	s.logger.Warn("Health check found dump server dead", "process", r.proc.ID())
	s.setReason(r, "health check: process not alive")
	_ = r.proc.Kill()
	s.handleExit(r, ExitStatus{Code: -1})
}

// Stop terminates the dump server: SIGTERM, then SIGKILL after the stop
// timeout. It is a no-op when already stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.cancelRestartLocked()
	r := s.cur
	from := s.state
	port := s.port
	if r == nil {
		s.state = StateStopped
		s.mu.Unlock()
		if from != StateStopped {
			s.removeScripts()
			s.emit(EventStateChanged{From: from, To: StateStopped, Port: port})
		}
		return nil
	}
	r.stopping = true
	s.state = StateStopping
	s.mu.Unlock()
	s.emit(EventStateChanged{From: from, To: StateStopping, Port: port})

	if err := r.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to send SIGTERM to dump server", "error", err)
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		s.logger.Warn("Dump server ignored SIGTERM, killing", "process", r.proc.ID(), "timeout", s.opts.StopTimeout)
		s.killAndWait(r)
	case <-ctx.Done():
		s.killAndWait(r)
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	s.removeScripts()
	s.logger.Info("Dump server stopped", "port", r.port)
	s.emit(EventStateChanged{From: StateStopping, To: StateStopped, Port: r.port})
	return nil
}

func (s *Supervisor) killAndWait(r *run) {
	if err := r.proc.Kill(); err != nil {
		s.logger.Warn("Failed to kill dump server", "error", err)
	}
	select {
	case <-r.done:
	case <-time.After(s.opts.StopTimeout):
		s.logger.Error("Dump server did not exit after SIGKILL", "process", r.proc.ID())
	}
}

// Close stops the process and waits for every background goroutine.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*s.opts.StopTimeout+drainTimeout)
		err = s.Stop(ctx)
		cancel()

		s.wg.Wait()
	})
	return err
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	port := s.port
	s.mu.Unlock()

	if from != to {
		s.emit(EventStateChanged{From: from, To: to, Port: port})
	}
}

// emit blocks until the event is consumed or the supervisor closes, so
// records are never dropped while someone is listening.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func describeExit(st ExitStatus) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("exit code %d", st.Code))
	if st.Signal != "" {
		parts = append(parts, "signal "+st.Signal)
	}
	if st.Err != nil {
		parts = append(parts, st.Err.Error())
	}
	return strings.Join(parts, ", ")
}
