package cli

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/stratumhq/stratad/internal/launch"
	"github.com/stratumhq/stratad/internal/runtime"
	"github.com/stratumhq/stratad/internal/server"
)

// Represents the 'stratad run' command.
type RunCmd struct {
	Tag   string        `arg:"" help:"Image to run."`
	Host  string        `help:"Bind host injected as HOST." default:"0.0.0.0"`
	Port  int           `help:"Port injected as PORT. Defaults to the image's declared port."`
	Grace time.Duration `help:"Drain window between SIGTERM and SIGKILL." default:"10s"`

	Reload bool     `help:"Restart the service when source files change. Development only."`
	Watch  string   `help:"Source directory watched with --reload." default:"." placeholder:"DIR"`
	Match  []string `help:"Glob patterns limiting which files trigger a reload." placeholder:"GLOB"`
}

// Executes the run command.
//
// The service runs in the foreground with its output attached to the
// terminal; SIGINT and SIGTERM are forwarded to it via context
// cancellation. The process exits with the service's exit code.
func (c *RunCmd) Run(ctx context.Context) error {
	rt, err := runtime.New(server.DefaultContainerdAddress, server.DefaultContainerdNamespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	code, err := launch.Run(ctx, rt, launch.Options{
		Tag:           c.Tag,
		Host:          c.Host,
		Port:          c.Port,
		Grace:         c.Grace,
		Reload:        c.Reload,
		WatchDir:      c.Watch,
		WatchPatterns: c.Match,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	})
	if err != nil {
		// Cancellation is the normal way to stop a foreground service.
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if code != 0 {
		rt.Close()
		os.Exit(code)
	}

	return nil
}
