package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing stratad to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers and images.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Resolves a base image from a registry reference or a local OCI archive.
//
// When base names an existing file on disk it is imported as an OCI archive
// and tagged with a deterministic content-derived name. Anything else is
// treated as a registry reference and pulled. Either way the image's layers
// are unpacked into the snapshotter for the host platform so containers can
// be created from it.
func (rt *Runtime) ResolveBase(ctx context.Context, base string) (containerd.Image, error) {
	if _, err := os.Stat(base); err == nil {
		return rt.importBase(ctx, base)
	}
	return rt.pullBase(ctx, base)
}

// Looks up a previously committed or resolved image by tag.
func (rt *Runtime) Image(ctx context.Context, tag string) (containerd.Image, error) {
	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return containerd.NewImageWithPlatform(rt.client, img, hostMatcher()), nil
}

// Removes an image record. Missing images are not an error.
func (rt *Runtime) RemoveImage(ctx context.Context, tag string) error {
	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Removes every image record whose name starts with prefix. Individual
// failures are logged and skipped.
func (rt *Runtime) RemoveImagesByPrefix(ctx context.Context, prefix string) error {
	imgs, err := rt.client.ImageService().List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	for _, img := range imgs {
		if !strings.HasPrefix(img.Name, prefix) {
			continue
		}
		if err := rt.RemoveImage(ctx, img.Name); err != nil {
			slog.Warn("failed to remove image", "name", img.Name, "error", err)
		}
	}
	return nil
}

// Pulls a registry reference and unpacks it for the host platform.
func (rt *Runtime) pullBase(ctx context.Context, ref string) (containerd.Image, error) {
	slog.Info("pulling base image", "ref", ref)

	image, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatformMatcher(hostMatcher()),
		containerd.WithPullSnapshotter(snapshotter),
		containerd.WithPullUnpack,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pull %s: %w", ErrRuntime, ref, err)
	}

	return image, nil
}

// Imports a local OCI archive, tags it deterministically, and unpacks it.
func (rt *Runtime) importBase(ctx context.Context, path string) (containerd.Image, error) {
	slog.Info("importing base archive", "path", path)

	tag := archiveTag(path)

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	image, err := rt.Image(ctx, tag)
	if err != nil {
		return nil, err
	}

	if err := image.Unpack(ctx, snapshotter); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return image, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives are
// supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when its
// name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI
// references regardless of which characters the path contains.
func archiveTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Returns a matcher for the host platform.
func hostMatcher() platforms.MatchComparer {
	return platforms.Only(platforms.MustParse(defaultPlatform()))
}
