// Package launch runs exactly one foreground service container from a
// built image.
//
// The container's lifetime is the service process's lifetime: the launcher
// starts the image's entrypoint as the container's only task, probes the
// declared port until the service accepts connections, then supervises the
// task until it exits or the launcher is told to stop. On a stop request
// the task receives SIGTERM and is given a bounded grace period to drain
// before SIGKILL.
//
// Reload mode is for development only and is never the default. A
// debounced filesystem watcher restarts the task in place when source
// files change; the container itself survives restarts.
package launch
