// Package server implements the stratad daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the strata CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection.
//
// Supported commands are building images from plans, launching and
// stopping the managed service, querying daemon status, and initiating
// shutdown. Builds are delegated to the build package and service
// supervision to the launch package, both of which use the runtime
// package for container operations against containerd.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    ContainerdAddress:   "/run/containerd/containerd.sock",
//	    ContainerdNamespace: "stratad",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
