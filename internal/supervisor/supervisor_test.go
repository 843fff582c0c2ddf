package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testOptions(t *testing.T) Options {
	return Options{
		Host:           "127.0.0.1",
		Port:           9912,
		TempDir:        t.TempDir(),
		SettleDelay:    10 * time.Millisecond,
		CleanupDelay:   time.Millisecond,
		RestartDelay:   20 * time.Millisecond,
		HealthInterval: time.Hour,
		StopTimeout:    200 * time.Millisecond,
		Probe:          func(string, int) bool { return true },
	}
}

func newTestSupervisor(t *testing.T, rt Runtime, opts Options, logger *slog.Logger) *Supervisor {
	t.Helper()
	s := New(rt, opts, logger)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFindPort_SkipsOccupied(t *testing.T) {
	busy := map[int]bool{9912: true, 9913: true, 9914: true}
	port, err := FindPort("127.0.0.1", 9912, 10, func(_ string, p int) bool { return !busy[p] })
	if err != nil {
		t.Fatalf("FindPort() error = %v", err)
	}
	if port != 9915 {
		t.Errorf("FindPort() = %d, want 9915", port)
	}
}

func TestFindPort_Exhausted(t *testing.T) {
	_, err := FindPort("127.0.0.1", 9912, 10, func(string, int) bool { return false })
	if !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("error = %v, want ErrPortExhausted", err)
	}
	if !strings.Contains(err.Error(), "9912-9921") {
		t.Errorf("error %q does not name the range", err)
	}
}

func TestListenProbe(t *testing.T) {
	if !ListenProbe("127.0.0.1", 0) {
		t.Error("ListenProbe on an ephemeral port should succeed")
	}
}

func TestSupervisor_StartStreamsRecords(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	s := newTestSupervisor(t, rt, opts, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Fatalf("State() = %s, want running", s.State())
	}
	p := rt.nextProcess(t)

	go func() {
		_, _ = p.stdoutW.Write([]byte("<pre>one</pre>" + Separator + "<pre>tw"))
		_, _ = p.stdoutW.Write([]byte("o</pre>" + Separator))
	}()

	if got := waitFor[EventRecord](t, s).HTML; got != "<pre>one</pre>" {
		t.Errorf("first record = %q", got)
	}
	if got := waitFor[EventRecord](t, s).HTML; got != "<pre>two</pre>" {
		t.Errorf("second record = %q", got)
	}
	if !s.StreamAttached() {
		t.Error("StreamAttached() = false while running")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}

	left, _ := filepath.Glob(filepath.Join(opts.TempDir, "*.php"))
	if len(left) != 0 {
		t.Errorf("temp scripts not removed: %v", left)
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	for i := 0; i < 3; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() #%d error = %v", i, err)
		}
	}
	if n := rt.launchCount(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSupervisor_MissingToolchain(t *testing.T) {
	rt := newFakeRuntime()
	rt.toolchain = false
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrDependency) {
		t.Fatalf("Start() error = %v, want ErrDependency", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
	if rt.launchCount() != 0 {
		t.Error("process launched despite missing toolchain")
	}
}

func TestSupervisor_InstallsMissingLibrary(t *testing.T) {
	rt := newFakeRuntime()
	rt.library = false
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !rt.installed {
		t.Error("InstallLibrary not called")
	}
}

func TestSupervisor_InstallFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.library = false
	rt.installErr = errors.New("composer exploded")
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrDependency) {
		t.Fatalf("Start() error = %v, want ErrDependency", err)
	}
}

func TestSupervisor_UsesNegotiatedPort(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.Probe = func(_ string, p int) bool { return p > 9914 }
	s := newTestSupervisor(t, rt, opts, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Port() != 9915 {
		t.Errorf("Port() = %d, want 9915", s.Port())
	}
	if got := rt.launches[0].Port; got != 9915 {
		t.Errorf("launch port = %d, want 9915", got)
	}
	if !strings.Contains(rt.scripts[0], "'127.0.0.1:9915'") {
		t.Errorf("launcher does not listen on negotiated port:\n%s", rt.scripts[0])
	}
	if !strings.Contains(s.HelperScript(), "tcp://127.0.0.1:9915") {
		t.Error("helper does not target negotiated port")
	}
	if _, err := os.Stat(s.HelperPath()); err != nil {
		t.Errorf("helper file missing: %v", err)
	}
}

func TestSupervisor_PortExhausted(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.Probe = func(string, int) bool { return false }
	s := newTestSupervisor(t, rt, opts, nil)

	if err := s.Start(context.Background()); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("Start() error = %v, want ErrPortExhausted", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
}

func TestSupervisor_CrashTriggersRestart(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := rt.nextProcess(t)
	p.exitWith(ExitStatus{Code: 255})

	crash := waitFor[EventCrashed](t, s)
	if crash.ExitCode != 255 {
		t.Errorf("ExitCode = %d, want 255", crash.ExitCode)
	}

	rt.nextProcess(t)
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s after restart, want running", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := rt.launchCount(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
}

func TestSupervisor_StopCancelsPendingRestart(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.RestartDelay = 200 * time.Millisecond
	s := newTestSupervisor(t, rt, opts, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rt.nextProcess(t).exitWith(ExitStatus{Code: 1})
	waitFor[EventCrashed](t, s)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := rt.launchCount(); n != 1 {
		t.Errorf("launches = %d, want 1 after Stop", n)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	rt := newFakeRuntime()
	rt.ignoreTerm = true
	s := newTestSupervisor(t, rt, testOptions(t), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := rt.nextProcess(t)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !p.killed.Load() {
		t.Error("process not killed after ignoring SIGTERM")
	}
}

func TestSupervisor_StaleOutputRestarts(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.MaxPendingBytes = 64
	s := newTestSupervisor(t, rt, opts, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := rt.nextProcess(t)
	go func() {
		_, _ = p.stdoutW.Write([]byte(strings.Repeat("x", 200)))
	}()

	crash := waitFor[EventCrashed](t, s)
	if !strings.HasPrefix(crash.Reason, "stale") {
		t.Errorf("Reason = %q, want stale", crash.Reason)
	}
	if !p.killed.Load() {
		t.Error("stale process not killed")
	}
}

func TestSupervisor_HealthMonitorDetectsDeadProcess(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.HealthInterval = 10 * time.Millisecond
	s := newTestSupervisor(t, rt, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s.StartHealthMonitor(ctx)

	p := rt.nextProcess(t)
	p.alive.Store(false)

	crash := waitFor[EventCrashed](t, s)
	if !strings.HasPrefix(crash.Reason, "health check") {
		t.Errorf("Reason = %q, want health check", crash.Reason)
	}
}

func TestSupervisor_StderrTriage(t *testing.T) {
	rt := newFakeRuntime()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	s := newTestSupervisor(t, rt, testOptions(t), logger)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := rt.nextProcess(t)
	_, _ = p.stderrW.Write([]byte("PHP Notice: undefined index\nPHP Warning: deprecated\nSegfault in extension\n"))

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	out := logs.String()
	if strings.Contains(out, "undefined index") || strings.Contains(out, "deprecated") {
		t.Errorf("PHP notices/warnings were logged:\n%s", out)
	}
	if !strings.Contains(out, "Segfault in extension") {
		t.Errorf("stderr line not logged:\n%s", out)
	}
}

func TestSupervisor_ExitDuringStartup(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	opts.SettleDelay = 500 * time.Millisecond
	s := newTestSupervisor(t, rt, opts, nil)

	go func() {
		p := <-rt.procs
		p.exitWith(ExitStatus{Code: 255})
	}()

	err := s.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exit code 255") {
		t.Fatalf("Start() error = %v, want startup exit", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
}

func TestSupervisor_StartAfterClose(t *testing.T) {
	s := New(newFakeRuntime(), testOptions(t), nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() error = %v, want ErrClosed", err)
	}
}

func TestSuppressStderr(t *testing.T) {
	if !SuppressStderr("PHP Notice: x") || !SuppressStderr("PHP Warning: y") {
		t.Error("notices and warnings should be suppressed")
	}
	if SuppressStderr("PHP Fatal error: z") {
		t.Error("fatal errors should be logged")
	}
}
