package launch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"

	"github.com/stratumhq/stratad/internal/runtime"
)

const (
	defaultHost         = "0.0.0.0"
	defaultGrace        = 10 * time.Second
	defaultProbeTimeout = 30 * time.Second
	probeInterval       = 250 * time.Millisecond
)

// Options configure a service launch.
type Options struct {
	Tag          string        // Image to launch.
	Host         string        // Bind host injected as HOST. Defaults to 0.0.0.0.
	Port         int           // Port injected as PORT. Zero means the image's declared port.
	Grace        time.Duration // Drain window between SIGTERM and SIGKILL.
	ProbeTimeout time.Duration // How long the service has to accept connections.

	Reload        bool     // Restart the task on source changes. Development only.
	WatchDir      string   // Source tree watched in reload mode.
	WatchPatterns []string // Glob patterns limiting which files trigger a reload.

	Stdout io.Writer // Service stdout. Defaults to os.Stdout.
	Stderr io.Writer // Service stderr. Defaults to os.Stderr.

	// OnReady is called each time the service passes its startup probe,
	// including after reload restarts. May be nil.
	OnReady func(containerID string, port int)
}

// Runs a service container in the foreground and returns its exit code.
//
// The call blocks until the service exits on its own or ctx is cancelled.
// Cancellation forwards SIGTERM to the task and waits out the grace period
// before escalating to SIGKILL.
func Run(ctx context.Context, rt *runtime.Runtime, opts Options) (int, error) {
	l, err := newLauncher(rt, opts)
	if err != nil {
		return 1, err
	}

	image, err := rt.Image(ctx, opts.Tag)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	port, err := l.resolvePort(ctx, image)
	if err != nil {
		return 1, err
	}
	l.port = port

	env := []string{
		"HOST=" + l.host,
		"PORT=" + strconv.Itoa(port),
	}

	ctr, err := rt.CreateServiceContainer(ctx, image, serviceID(opts.Tag), env)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer ctr.Destroy(context.Background())

	return l.supervise(ctx, ctr)
}

// The task operations the launcher supervises through. [*runtime.Task]
// provides the containerd-backed implementation.
type serviceTask interface {
	Pid() uint32
	Signal(ctx context.Context, sig syscall.Signal) error
	Exited() <-chan struct{}
	Delete(ctx context.Context) (int, error)
}

type launcher struct {
	rt   *runtime.Runtime
	opts Options

	host  string
	port  int
	grace time.Duration
	probe time.Duration

	stdout io.Writer
	stderr io.Writer
}

func newLauncher(rt *runtime.Runtime, opts Options) (*launcher, error) {
	if opts.Tag == "" {
		return nil, fmt.Errorf("%w: no image tag", ErrLaunch)
	}

	l := &launcher{
		rt:     rt,
		opts:   opts,
		host:   opts.Host,
		grace:  opts.Grace,
		probe:  opts.ProbeTimeout,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
	}
	if l.host == "" {
		l.host = defaultHost
	}
	if l.grace <= 0 {
		l.grace = defaultGrace
	}
	if l.probe <= 0 {
		l.probe = defaultProbeTimeout
	}
	if l.stdout == nil {
		l.stdout = os.Stdout
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}

	return l, nil
}

// Determines the service port from the options and the image config.
//
// The image must declare an entrypoint. If the image declares an exposed
// port, an explicitly requested port must match it.
func (l *launcher) resolvePort(ctx context.Context, image containerd.Image) (int, error) {
	cfg, err := l.rt.ImageConfig(ctx, image)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	if len(cfg.Config.Entrypoint) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoEntrypoint, l.opts.Tag)
	}

	declared := declaredPort(cfg.Config.ExposedPorts)

	switch {
	case l.opts.Port == 0 && declared == 0:
		return 0, fmt.Errorf("%w: no port requested and none declared by %s", ErrLaunch, l.opts.Tag)
	case l.opts.Port == 0:
		return declared, nil
	case declared != 0 && l.opts.Port != declared:
		return 0, fmt.Errorf("%w: requested %d, image declares %d", ErrPortMismatch, l.opts.Port, declared)
	default:
		return l.opts.Port, nil
	}
}

// Extracts the first TCP port from an OCI ExposedPorts set.
func declaredPort(exposed map[string]struct{}) int {
	for spec := range exposed {
		port, proto, found := strings.Cut(spec, "/")
		if found && proto != "tcp" {
			continue
		}
		if n, err := strconv.Atoi(port); err == nil {
			return n
		}
	}
	return 0
}

// Runs the service task until it exits, ctx is cancelled, or reload mode
// restarts it.
func (l *launcher) supervise(ctx context.Context, ctr *runtime.Container) (int, error) {
	task, err := l.startTask(ctx, ctr)
	if err != nil {
		return 1, err
	}

	var changed chan struct{}
	if l.opts.Reload {
		changed = make(chan struct{}, 1)

		dir := l.opts.WatchDir
		if dir == "" {
			dir = "."
		}
		w, err := newWatcher(dir, l.opts.WatchPatterns, 0)
		if err != nil {
			l.stopTask(context.Background(), task)
			return 1, err
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := w.run(watchCtx, changed); err != nil {
				slog.Warn("reload watcher stopped", "error", err)
			}
		}()

		slog.Info("reload mode active", "dir", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return l.stopTask(context.Background(), task), nil

		case <-task.Exited():
			code, err := task.Delete(context.Background())
			if err != nil {
				return 1, fmt.Errorf("%w: %w", ErrLaunch, err)
			}
			slog.Info("service exited", "code", code)
			return code, nil

		case <-changed:
			slog.Info("source changed, restarting service")
			l.stopTask(ctx, task)
			task, err = l.startTask(ctx, ctr)
			if err != nil {
				return 1, err
			}
		}
	}
}

// Starts the service task and waits for it to accept connections.
func (l *launcher) startTask(ctx context.Context, ctr *runtime.Container) (serviceTask, error) {
	task, err := ctr.RunTask(ctx, l.stdout, l.stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	slog.Info("service starting", "container", ctr.ID(), "pid", task.Pid(), "port", l.port)

	if err := l.awaitReady(ctx, task); err != nil {
		l.stopTask(context.Background(), task)
		return nil, err
	}

	slog.Info("service ready", "addr", net.JoinHostPort(l.host, strconv.Itoa(l.port)))

	if l.opts.OnReady != nil {
		l.opts.OnReady(ctr.ID(), l.port)
	}

	return task, nil
}

// Probes the service port until it accepts a TCP connection, the probe
// window elapses, or the task exits early. There is no retry beyond the
// window; a service that does not come up is a failed launch.
func (l *launcher) awaitReady(ctx context.Context, task serviceTask) error {
	addr := probeAddr(l.host, l.port)
	deadline := time.NewTimer(l.probe)
	defer deadline.Stop()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-task.Exited():
			code, _ := task.Delete(context.Background())
			return fmt.Errorf("%w: exited with code %d before accepting connections", ErrStartup, code)

		case <-deadline.C:
			return fmt.Errorf("%w: %s not accepting connections after %s", ErrStartup, addr, l.probe)

		case <-ticker.C:
			conn, err := (&net.Dialer{Timeout: probeInterval}).DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

// Stops a running task, granting it the grace period to drain after
// SIGTERM before escalating to SIGKILL.
func (l *launcher) stopTask(ctx context.Context, task serviceTask) int {
	if err := task.Signal(ctx, syscall.SIGTERM); err != nil {
		slog.Warn("failed to signal service", "error", err)
	}

	grace := time.NewTimer(l.grace)
	defer grace.Stop()

	select {
	case <-task.Exited():
	case <-grace.C:
		slog.Warn("service did not drain within grace period, killing", "grace", l.grace)
		if err := task.Signal(ctx, syscall.SIGKILL); err != nil {
			slog.Warn("failed to kill service", "error", err)
		}
		<-task.Exited()
	}

	code, err := task.Delete(ctx)
	if err != nil {
		slog.Warn("failed to reap service task", "error", err)
		return 1
	}

	slog.Info("service stopped", "code", code)
	return code
}

// The loopback address stands in for wildcard binds when probing.
func probeAddr(host string, port int) string {
	if host == defaultHost || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func serviceID(tag string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, tag)
	return "stratad-svc-" + sanitized
}
