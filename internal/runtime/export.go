package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/containerd/containerd/v2/core/images/archive"
)

// Writes a tagged image to an OCI tar archive at the given path.
//
// The image name is attached as the OCI reference annotation on the archive
// entry. Only the host platform's manifest is included.
func (rt *Runtime) ExportArchive(ctx context.Context, tag, path string) error {
	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer f.Close()

	err = rt.client.Export(ctx, f,
		archive.WithManifest(img.Target, tag),
		archive.WithPlatform(hostMatcher()),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Info("image exported", "tag", tag, "path", path)
	return nil
}
