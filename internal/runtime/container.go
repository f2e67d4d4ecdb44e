package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A container backed by containerd.
//
// Build containers run a long-lived idle task so plan steps can be executed
// as additional processes. Service containers are created without a task;
// [Container.RunTask] starts the image's entrypoint as the single foreground
// process.
type Container struct {
	client *containerd.Client // Containerd client for managing the container.
	id     string             // Unique identifier, used as the containerd container ID.
	image  containerd.Image   // Image the container was created from.
}

// Starts a build container from an image.
//
// Any stale container with the same ID is removed first. A long-running
// idle task is started so that subsequent Exec calls have a running process
// to attach to. The container shares the host network namespace so package
// installs can reach the network.
func (rt *Runtime) StartBuildContainer(ctx context.Context, image containerd.Image, id string) (*Container, error) {
	c := &Container{client: rt.client, id: id, image: image}

	c.remove(ctx)

	ctr, err := c.create(ctx, oci.WithProcessArgs("sleep", "infinity"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := c.startIdleTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("build container started", "id", id, "image", image.Name())

	return c, nil
}

// Creates a service container from an image without starting a task.
//
// The container runs the image's own entrypoint when [Container.RunTask] is
// called. Extra environment variables are merged on top of the image config.
// The host network namespace is shared so the entrypoint's listening socket
// binds directly on the host's interfaces.
func (rt *Runtime) CreateServiceContainer(ctx context.Context, image containerd.Image, id string, env []string) (*Container, error) {
	c := &Container{client: rt.client, id: id, image: image}

	c.remove(ctx)

	opts := []oci.SpecOpts{}
	if len(env) > 0 {
		opts = append(opts, oci.WithEnv(env))
	}

	if _, err := c.create(ctx, opts...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("service container created", "id", id, "image", image.Name())

	return c, nil
}

// Returns the container's ID.
func (c *Container) ID() string {
	return c.id
}

// Stops the container's task.
//
// The running task is killed and deleted. The container metadata is
// preserved. Calling Stop on an already-stopped container is not an error.
func (c *Container) Stop(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task.Kill(ctx, syscall.SIGKILL)
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return nil
}

// Removes the container and its resources.
//
// The task is killed and the container is removed from containerd along
// with its snapshot. After destruction the handle is invalid.
func (c *Container) Destroy(ctx context.Context) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load container for destruction", "id", c.id, "error", err)
		}
		return
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete container during destruction", "id", c.id, "error", err)
	}
}

// Creates the containerd container with the standard configuration plus any
// extra spec options.
func (c *Container) create(ctx context.Context, extra ...oci.SpecOpts) (containerd.Container, error) {
	specOpts := []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(defaultPlatform()),
		oci.WithImageConfig(c.image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}
	specOpts = append(specOpts, extra...)

	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(c.image),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(c.id, c.image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(specOpts...),
	)
}

// Starts the container's long-running idle task with no attached IO.
func (c *Container) startIdleTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes an existing container with this ID, if one exists.
//
// Any running task is killed and the container is deleted along with its
// snapshot. This is a no-op when no container with the ID is found.
func (c *Container) remove(ctx context.Context) {
	existing, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return
	}
	if task, err := existing.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}
