// Package runtime manages images and containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and resolves base images by
// pulling a registry reference or importing a local OCI archive. Build
// containers execute plan steps: commands run as execs against a
// long-running task, files stream in and out as tar archives, and the
// filesystem delta of a step is committed as a new layer on a tagged
// intermediate image. Service containers run an image's entrypoint as the
// single foreground process, with signals forwarded to it.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "stratad")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	image, err := rt.ResolveBase(ctx, "docker.io/library/python:3.11-slim")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartBuildContainer(ctx, image, "myapp-step-2")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
package runtime
