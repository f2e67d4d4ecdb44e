package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stratumhq/stratad/internal/build"
	"github.com/stratumhq/stratad/internal/cache"
	"github.com/stratumhq/stratad/internal/manifest"
	"github.com/stratumhq/stratad/internal/paths"
	"github.com/stratumhq/stratad/internal/protocol"
	"github.com/stratumhq/stratad/internal/runtime"
	"github.com/stratumhq/stratad/internal/server"
)

// Represents the 'stratad build' command.
type BuildCmd struct {
	Plan    string `short:"p" default:"strata.toml" help:"Path to the build plan." placeholder:"FILE"`
	Context string `short:"c" default:"." help:"Build context directory." placeholder:"DIR"`
	Tag     string `short:"t" help:"Tag for the built image. Defaults to the context directory name." placeholder:"TAG"`
	Output  string `short:"o" help:"Export the image as an OCI archive into this directory." placeholder:"DIR"`
}

// Executes the build command.
//
// When the daemon is running the build is delegated to it, sharing its
// layer cache and containerd connection. Otherwise the build runs directly
// against containerd in this process.
func (c *BuildCmd) Run(ctx context.Context) error {
	buildCtx, err := filepath.Abs(c.Context)
	if err != nil {
		return err
	}

	tag := c.Tag
	if tag == "" {
		tag = defaultTag(buildCtx)
	}

	output := c.Output
	if output != "" {
		if output, err = filepath.Abs(output); err != nil {
			return err
		}
	}

	if daemonRunning() {
		return c.buildViaDaemon(buildCtx, tag, output)
	}
	return c.buildDirect(ctx, buildCtx, tag, output)
}

func (c *BuildCmd) buildViaDaemon(buildCtx, tag, output string) error {
	planData, err := os.ReadFile(c.Plan)
	if err != nil {
		return fmt.Errorf("%w: %s", manifest.ErrPlanNotFound, c.Plan)
	}

	slog.Debug("building via daemon", "socket", socketPath())

	result, err := roundTrip(protocol.CmdBuild, &protocol.BuildRequest{
		Plan:    planData,
		Context: buildCtx,
		Tag:     tag,
		Output:  output,
	})
	if err != nil {
		return err
	}

	br, err := protocol.DecodePayload[protocol.BuildResult](result)
	if err != nil {
		return err
	}

	printBuildSummary(br.Tag, br.Digest, br.Layers, br.CacheHits, br.Archive, br.Duration)
	return nil
}

func (c *BuildCmd) buildDirect(ctx context.Context, buildCtx, tag, output string) error {
	plan, err := manifest.Load(c.Plan)
	if err != nil {
		return err
	}

	slog.Debug("plan loaded", "base", plan.Base(), "steps", len(plan.Steps))

	rt, err := runtime.New(server.DefaultContainerdAddress, server.DefaultContainerdNamespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := build.Run(ctx, rt, build.Options{
		Plan:    plan,
		Tag:     tag,
		Context: buildCtx,
		Output:  output,
		Store:   cache.New(paths.LayerCache()),
	})
	if err != nil {
		return err
	}

	printBuildSummary(result.Tag, result.ImageDigest.String(), result.LayersBuilt,
		result.CacheHits, result.ArchivePath, result.Duration.String())
	return nil
}

func printBuildSummary(tag, digest string, layers, hits int, archive, duration string) {
	fmt.Printf("built %s (%s) in %s: %d layers built, %d from cache\n",
		tag, digest, duration, layers, hits)
	if archive != "" {
		fmt.Printf("exported %s\n", archive)
	}
}

// Derives an image tag from the build context directory name.
func defaultTag(buildCtx string) string {
	name := strings.ToLower(filepath.Base(buildCtx))
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
	return sanitized + ":latest"
}
