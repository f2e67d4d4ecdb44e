package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratumhq/stratad/internal/manifest"
	"github.com/stratumhq/stratad/internal/runtime"
)

const defaultShell = "/bin/sh"

// Builds the shell command for a packages step.
//
// The index is refreshed, the packages are installed without recommends,
// and the index lists are removed again so they never land in the layer.
func packagesCommand(pkgs []string) string {
	return "apt-get update && " +
		"apt-get install -y --no-install-recommends " + strings.Join(pkgs, " ") + " && " +
		"rm -rf /var/lib/apt/lists/*"
}

// Executes one filesystem-mutating step inside a build container.
func (b *builder) executeStep(ctx context.Context, ctr *runtime.Container, step manifest.Step, kind manifest.Kind) error {
	switch kind {
	case manifest.KindPackages:
		return b.execShell(ctx, ctr, packagesCommand(step.Packages))
	case manifest.KindRun:
		return b.execShell(ctx, ctr, step.Run)
	case manifest.KindCopy:
		return executeCopy(ctx, ctr, step.Copy, b.workdir, b.buildCtx)
	}
	return fmt.Errorf("%w: kind %q produces no layer", ErrBuild, kind)
}

// Runs a shell command inside the build container, failing on a non-zero
// exit code.
func (b *builder) execShell(ctx context.Context, ctr *runtime.Container, command string) error {
	slog.Debug("exec", "container", ctr.ID(), "command", command)

	result, err := ctr.Exec(ctx, defaultShell, command, nil, b.workdir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d: %s",
			ErrStepFailed, result.ExitCode, tail(result.Stderr, 2048))
	}

	return nil
}

// Returns at most the last n bytes of s, for attaching command output to
// errors without flooding them.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
