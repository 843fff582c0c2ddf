package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
)

// ErrDependency is returned when the PHP toolchain or the VarDumper library
// is missing and cannot be installed.
var ErrDependency = errors.New("dump server dependency unavailable")

// LaunchSpec describes one dump server launch.
type LaunchSpec struct {
	Host       string
	Port       int
	ScriptPath string // host path of the generated launcher
}

// ExitStatus is how a dump server process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Process is a running dump server.
type Process interface {
	// ID identifies the process for logs (pid or container id).
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It may be called once.
	Wait() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
	Alive() bool
}

// Runtime verifies dependencies for, and launches, the dump server.
type Runtime interface {
	Name() string

	// ToolchainAvailable reports whether PHP can be run at all. Never errors.
	ToolchainAvailable(ctx context.Context) bool

	// LibraryAvailable reports whether symfony/var-dumper can be loaded.
	LibraryAvailable(ctx context.Context) bool

	// InstallLibrary tries to make the library available.
	InstallLibrary(ctx context.Context) error

	// AutoloadPath is the composer autoloader as seen by the launched
	// process, or "" when the library is loaded some other way.
	AutoloadPath() string

	// CleanupStale removes dump servers left over from earlier runs. Best effort.
	CleanupStale(ctx context.Context)

	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
