package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LauncherPrefix starts the file name of every generated launcher script.
// Stale cleanup matches on it.
const LauncherPrefix = "dumpviewer-server-"

const varDumperPackage = "symfony/var-dumper"

const varDumperProbe = `try { echo class_exists('Symfony\Component\VarDumper\VarDumper') ? 'available' : 'not_available'; } catch (Throwable $e) { echo 'not_available'; }`

// commandRunner runs a short command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ExecRuntime runs the dump server as a local php process.
type ExecRuntime struct {
	php        string
	composer   string
	vendorPath string
	logger     *slog.Logger
	run        commandRunner
	stat       func(string) (os.FileInfo, error)

	mu        sync.Mutex
	vendorDir string
}

// NewExecRuntime creates a runtime using the given binaries. vendorPath is
// the PHP_VENDOR_PATH override and may be empty.
func NewExecRuntime(php, composer, vendorPath string, logger *slog.Logger) *ExecRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	if php == "" {
		php = "php"
	}
	if composer == "" {
		composer = "composer"
	}
	return &ExecRuntime{
		php:        php,
		composer:   composer,
		vendorPath: vendorPath,
		logger:     logger,
		run:        runCommand,
		stat:       os.Stat,
	}
}

// Name implements Runtime.
func (r *ExecRuntime) Name() string { return "exec" }

// ToolchainAvailable implements Runtime.
func (r *ExecRuntime) ToolchainAvailable(ctx context.Context) bool {
	_, err := r.run(ctx, r.php, "--version")
	return err == nil
}

// SearchPaths lists the vendor directories probed for the library, in priority order.
func (r *ExecRuntime) SearchPaths() []string {
	var vendors []string
	if r.vendorPath != "" {
		vendors = append(vendors, r.vendorPath)
	}
	if wd, err := os.Getwd(); err == nil {
		vendors = append(vendors, filepath.Join(wd, "vendor"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		vendors = append(vendors,
			filepath.Join(home, ".composer", "vendor"),
			filepath.Join(home, ".config", "composer", "vendor"),
		)
	}
	vendors = append(vendors, "/usr/local/lib/composer/vendor")
	return vendors
}

// LibraryAvailable implements Runtime.
func (r *ExecRuntime) LibraryAvailable(ctx context.Context) bool {
	for _, vendor := range r.SearchPaths() {
		if info, err := r.stat(filepath.Join(vendor, filepath.FromSlash(varDumperPackage))); err == nil && info.IsDir() {
			r.mu.Lock()
			r.vendorDir = vendor
			r.mu.Unlock()
			r.logger.Debug("VarDumper found", "vendor", vendor)
			return true
		}
	}

	out, err := r.run(ctx, r.php, "-r", varDumperProbe)
	if err != nil {
		return false
	}
	if strings.TrimSpace(string(out)) != "available" {
		return false
	}
	r.mu.Lock()
	r.vendorDir = ""
	r.mu.Unlock()
	return true
}

// InstallLibrary implements Runtime with a global composer require.
func (r *ExecRuntime) InstallLibrary(ctx context.Context) error {
	if _, err := r.run(ctx, r.composer, "--version"); err != nil {
		return fmt.Errorf("%w: %s not found and composer is not installed (searched %s)",
			ErrDependency, varDumperPackage, strings.Join(r.SearchPaths(), ", "))
	}

	r.logger.Info("Installing VarDumper", "package", varDumperPackage)
	if _, err := r.run(ctx, r.composer, "global", "require", varDumperPackage); err != nil {
		return fmt.Errorf("%w: composer global require %s: %v", ErrDependency, varDumperPackage, err)
	}

	if !r.LibraryAvailable(ctx) {
		return fmt.Errorf("%w: %s still missing after install (searched %s)",
			ErrDependency, varDumperPackage, strings.Join(r.SearchPaths(), ", "))
	}
	return nil
}

// AutoloadPath implements Runtime.
func (r *ExecRuntime) AutoloadPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vendorDir == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Join(r.vendorDir, "autoload.php"))
}

// CleanupStale implements Runtime.
func (r *ExecRuntime) CleanupStale(ctx context.Context) {
	// pkill exits 1 when nothing matched.
	if _, err := r.run(ctx, "pkill", "-f", LauncherPrefix); err != nil {
		r.logger.Debug("No stale dump servers killed", "error", err)
	}
}

// Launch implements Runtime.
func (r *ExecRuntime) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	// Not CommandContext: the process outlives the start request.
	cmd := exec.Command(r.php, spec.ScriptPath)
	cmd.Env = os.Environ()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", r.php, err)
	}

	// The child holds the write ends now.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	return &execProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR, exited: make(chan struct{})}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	exited chan struct{}
}

func (p *execProcess) ID() string        { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	close(p.exited)

	st := ExitStatus{Err: err}
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Non-zero exit is reported through Code and Signal.
		st.Err = nil
	}
	return st
}

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}
