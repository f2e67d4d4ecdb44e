package cli

import (
	"context"
	"log/slog"

	"github.com/stratumhq/stratad/internal/server"
)

// Represents the 'stratad start' command.
type StartCmd struct {
	Cache string `help:"Override the layer cache directory." placeholder:"DIR"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		CacheDir:   c.Cache,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stratad is running")

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return srv.Stop()
	case <-done(srv):
		return nil
	}
}

// Adapts Server.Wait to a channel for use in select.
func done(srv *server.Server) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		srv.Wait()
		close(ch)
	}()
	return ch
}
