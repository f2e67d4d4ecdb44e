// Parses flags and configures logging for the stratad CLI and daemon.
//
// All subcommands share the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity before
// the selected command runs.
//
// Build and service commands prefer the daemon when its socket is
// reachable; builds otherwise fall back to a direct containerd connection
// in this process. The run command is always direct so the service's
// output stays attached to the terminal.
package cli
