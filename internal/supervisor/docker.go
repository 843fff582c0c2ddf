package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// DefaultDockerImage runs the launcher when DUMP_DOCKER_IMAGE is unset.
	DefaultDockerImage = "php:8.3-cli"

	roleLabel       = "dumpviewer.role"
	roleDumpServer  = "dump-server"
	containerVendor = "/opt/dumpviewer/vendor"
	containerScript = "/opt/dumpviewer/launcher.php"
	removeTimeout   = 10 * time.Second
)

// DockerRuntime runs the launcher inside a PHP image with host networking.
// The host vendor directory is mounted read-only.
type DockerRuntime struct {
	cli        *client.Client
	image      string
	vendorPath string
	logger     *slog.Logger
}

// NewDockerRuntime connects to the daemon from the environment.
func NewDockerRuntime(imageName, vendorPath string, logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if imageName == "" {
		imageName = DefaultDockerImage
	}
	if vendorPath == "" {
		vendorPath = "vendor"
	}
	abs, err := filepath.Abs(vendorPath)
	if err != nil {
		return nil, fmt.Errorf("resolve vendor path %s: %w", vendorPath, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger.Info("Docker client initialized", "image", imageName, "vendor", abs)
	return &DockerRuntime{cli: cli, image: imageName, vendorPath: abs, logger: logger}, nil
}

// Name implements Runtime.
func (r *DockerRuntime) Name() string { return "docker" }

// Close releases the Docker client.
func (r *DockerRuntime) Close() error { return r.cli.Close() }

// ToolchainAvailable pings the daemon.
func (r *DockerRuntime) ToolchainAvailable(ctx context.Context) bool {
	_, err := r.cli.Ping(ctx)
	if err != nil {
		r.logger.Debug("Docker daemon unreachable", "error", err)
	}
	return err == nil
}

// LibraryAvailable requires the image locally and VarDumper in the mounted vendor dir.
func (r *DockerRuntime) LibraryAvailable(ctx context.Context) bool {
	if info, err := os.Stat(filepath.Join(r.vendorPath, "symfony", "var-dumper")); err != nil || !info.IsDir() {
		return false
	}
	_, err := r.cli.ImageInspect(ctx, r.image)
	return err == nil
}

// InstallLibrary pulls the image. VarDumper itself must already be vendored.
func (r *DockerRuntime) InstallLibrary(ctx context.Context) error {
	if info, err := os.Stat(filepath.Join(r.vendorPath, "symfony", "var-dumper")); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s not found under %s (run composer require %s there)",
			ErrDependency, varDumperPackage, r.vendorPath, varDumperPackage)
	}

	r.logger.Info("Pulling PHP image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrDependency, r.image, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrDependency, r.image, err)
	}
	return nil
}

// AutoloadPath implements Runtime.
func (r *DockerRuntime) AutoloadPath() string {
	return containerVendor + "/autoload.php"
}

// HostAutoloadPath is the autoloader PHP apps on the host should require.
func (r *DockerRuntime) HostAutoloadPath() string {
	return filepath.ToSlash(filepath.Join(r.vendorPath, "autoload.php"))
}

// CleanupStale removes containers labelled as dump servers.
func (r *DockerRuntime) CleanupStale(ctx context.Context) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: staleFilter(),
	})
	if err != nil {
		r.logger.Warn("Failed to list stale dump server containers", "error", err)
		return
	}

	for _, c := range list {
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn("Failed to remove stale dump server container", "container_id", c.ID, "error", err)
			continue
		}
		r.logger.Info("Removed stale dump server container", "container_id", c.ID)
	}
}

// staleFilter matches every container started as a dump server.
func staleFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", roleLabel+"="+roleDumpServer))
}

// containerConfig builds the create request for one launch.
func (r *DockerRuntime) containerConfig(spec LaunchSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:        r.image,
		Cmd:          []string{"php", containerScript},
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			roleLabel:         roleDumpServer,
			"dumpviewer.port": strconv.Itoa(spec.Port),
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode("host"),
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   r.vendorPath,
				Target:   containerVendor,
				ReadOnly: true,
			},
			{
				Type:     mount.TypeBind,
				Source:   spec.ScriptPath,
				Target:   containerScript,
				ReadOnly: true,
			},
		},
	}
	return config, hostConfig
}

// Launch implements Runtime.
func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	config, hostConfig := r.containerConfig(spec)
	name := fmt.Sprintf("dumpviewer-%d", spec.Port)

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	// Attach before start so no output is lost.
	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("attach container %s: %w", resp.ID, err)
	}

	// Registered before start so a fast exit is not missed.
	waitCh, errCh := r.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(resp.ID)
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		attach.Close()
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	r.logger.Info("Dump server container started", "container_id", resp.ID, "port", spec.Port)
	return &dockerProcess{
		rt:     r,
		id:     resp.ID,
		stdout: stdoutR,
		stderr: stderrR,
		waitCh: waitCh,
		errCh:  errCh,
	}, nil
}

func (r *DockerRuntime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn("Failed to remove dump server container", "container_id", id, "error", err)
	}
}

type dockerProcess struct {
	rt     *DockerRuntime
	id     string
	stdout *io.PipeReader
	stderr *io.PipeReader
	waitCh <-chan container.WaitResponse
	errCh  <-chan error

	mu     sync.Mutex
	exited bool
}

func (p *dockerProcess) ID() string        { return p.id }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait() ExitStatus {
	var st ExitStatus
	select {
	case resp := <-p.waitCh:
		st.Code = int(resp.StatusCode)
		if resp.Error != nil {
			st.Err = errors.New(resp.Error.Message)
		}
		// 128+n is how the daemon reports death by signal n.
		if st.Code > 128 {
			st.Signal = syscall.Signal(st.Code - 128).String()
		}
	case err := <-p.errCh:
		st.Code = -1
		st.Err = fmt.Errorf("wait container %s: %w", p.id, err)
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	p.rt.remove(p.id)
	return st
}

func (p *dockerProcess) Signal(sig os.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	name := "SIGTERM"
	if s, ok := sig.(syscall.Signal); ok && s == syscall.SIGKILL {
		name = "SIGKILL"
	}
	if err := p.rt.cli.ContainerKill(ctx, p.id, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("signal container %s: %w", p.id, err)
	}
	return nil
}

func (p *dockerProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *dockerProcess) Alive() bool {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := p.rt.cli.ContainerInspect(ctx, p.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false
		}
		// Daemon hiccup; let Wait decide.
		return true
	}
	return inspect.State != nil && inspect.State.Running
}
