package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/errdefs"
)

// A running foreground task inside a service container.
//
// The task executes the container's configured entrypoint; its lifetime is
// the container's lifetime. [Task.Exited] is closed when the process exits,
// voluntarily or after a signal, so multiple supervisors can observe the
// exit independently.
type Task struct {
	task containerd.Task
	done chan struct{}
	code int // Exit code, valid once done is closed.
}

// Starts the container's entrypoint as its foreground task.
//
// The process spec comes from the container's own OCI spec, which was built
// from the image config at creation time. stdout and stderr of the process
// are streamed to the given writers. The same container can run a new task
// after the previous one has been deleted, which is how reload mode
// restarts the served application in place.
func (c *Container) RunTask(ctx context.Context, stdout, stderr io.Writer) (*Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	exitC, err := task.Wait(ctx)
	if err != nil {
		task.Delete(ctx)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	t := &Task{task: task, done: make(chan struct{})}
	go func() {
		status := <-exitC
		code, _, err := status.Result()
		if err != nil {
			slog.Warn("task exit status unavailable", "container", c.id, "error", err)
			code = 1
		}
		t.code = int(code)
		close(t.done)
	}()

	return t, nil
}

// Returns the PID of the task's process on the host.
func (t *Task) Pid() uint32 {
	return t.task.Pid()
}

// Forwards a signal to the task's process.
func (t *Task) Signal(ctx context.Context, sig syscall.Signal) error {
	if err := t.task.Kill(ctx, sig); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Closed when the task's process exits.
func (t *Task) Exited() <-chan struct{} {
	return t.done
}

// Removes the exited task from containerd, force-killing it if still
// running, and returns its exit code.
func (t *Task) Delete(ctx context.Context) (int, error) {
	if _, err := t.task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	select {
	case <-t.done:
		return t.code, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrRuntime, ctx.Err())
	}
}
