package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"

	"github.com/stratumhq/stratad/internal"
)

// Represents the root command for the stratad daemon and CLI.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Socket  string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`

	Build    BuildCmd    `cmd:"" help:"Build an image from a plan."`
	Cache    CacheCmd    `cmd:"" help:"Manage the layer cache."`
	Run      RunCmd      `cmd:"" help:"Run a service from a built image in the foreground."`
	Start    StartCmd    `cmd:"" help:"Start the daemon."`
	Stop     StopCmd     `cmd:"" help:"Stop the daemon-managed service."`
	Status   StatusCmd   `cmd:"" help:"Show daemon status."`
	Shutdown ShutdownCmd `cmd:"" help:"Shut down the daemon."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Reproducible image builds and service launches on containerd."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	logger, ok := slog.Default().Handler().(*charmlog.Logger)
	if !ok {
		return
	}

	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()

	if debug {
		logger.SetLevel(charmlog.DebugLevel)
		logger.SetReportCaller(true)
	} else if quiet {
		logger.SetLevel(charmlog.WarnLevel)
	} else {
		logger.SetLevel(charmlog.InfoLevel)
	}

	if RootCmd.Verbose || internal.IsVerbose() {
		logger.SetReportTimestamp(true)
	}
}
