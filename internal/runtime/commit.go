package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// A layer to be appended to an image during a commit.
type AppendedLayer struct {
	Descriptor ocispec.Descriptor // Blob descriptor in the content store.
	DiffID     digest.Digest      // Digest of the uncompressed layer tar.
}

// Commits the container's filesystem changes as a new layer.
//
// The diff between the container's snapshot and its parent is stored as a
// blob in the content store and returned so it can be cached and appended
// to an image. A content lease should be held by the caller (see
// [Runtime.WithLease]) so containerd's garbage collector does not reclaim
// the blob before it is referenced by a committed manifest.
func (c *Container) SnapshotDiff(ctx context.Context) (AppendedLayer, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return AppendedLayer{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := ctr.Info(ctx)
	if err != nil {
		return AppendedLayer{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return AppendedLayer{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return AppendedLayer{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return AppendedLayer{Descriptor: layer, DiffID: diffID}, nil
}

// Returns a derived context holding a content lease, and a release func.
//
// Blobs written under the lease survive containerd's GC scheduler until the
// lease is released, by which time they must be referenced by an image
// record.
func (rt *Runtime) WithLease(ctx context.Context) (context.Context, func(), error) {
	leased, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return leased, func() { done(context.Background()) }, nil
}

// Opens a blob in the content store for reading.
func (rt *Runtime) OpenBlob(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	ra, err := rt.client.ContentStore().ReaderAt(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &blobReader{Reader: content.NewReader(ra), ra: ra}, nil
}

// Writes a layer blob into the content store under the given descriptor.
//
// Used when a cached layer is reused: the blob comes from the layer store
// rather than from a snapshot diff. Writing an already-present blob is not
// an error.
func (rt *Runtime) ImportLayerBlob(ctx context.Context, r io.Reader, desc ocispec.Descriptor) error {
	ref := "layer-" + desc.Digest.Encoded()
	err := content.WriteBlob(ctx, rt.client.ContentStore(), ref, r, desc)
	if err != nil && !errdefs.IsAlreadyExists(err) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Commits a new image derived from a parent image.
//
// The parent's manifest and config are read, the optional layer is appended
// to both, the mutate callback adjusts the config (entrypoint, exposed
// ports, working directory, annotations), and the updated blobs are written
// back to the content store. The result is recorded under tag and unpacked
// into the snapshotter so the next build step can start a container from it.
// The parent image record is never modified.
func (rt *Runtime) Commit(ctx context.Context, parent containerd.Image, tag string, layer *AppendedLayer, mutate func(*ocispec.Image)) (containerd.Image, error) {
	target, err := rt.resolveManifest(ctx, parent.Target())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	manifest, err := rt.readManifest(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	config, err := rt.readConfig(ctx, manifest.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if layer != nil {
		manifest.Layers = append(manifest.Layers, layer.Descriptor)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, layer.DiffID)
	}
	if mutate != nil {
		mutate(&config)
	}

	configDesc, err := rt.writeBlob(ctx, manifest.Config.MediaType, config, tag+"-config")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	manifest.Config = configDesc

	manifestDesc, err := rt.writeBlob(ctx, target.MediaType, manifest, tag+"-manifest",
		content.WithLabels(manifestGCLabels(manifest)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	record := images.Image{Name: tag, Target: manifestDesc}
	if _, err := rt.client.ImageService().Create(ctx, record); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if _, err := rt.client.ImageService().Update(ctx, record, "target"); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}

	image := containerd.NewImageWithPlatform(rt.client, record, hostMatcher())
	if err := image.Unpack(ctx, snapshotter); err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrRuntime, tag, err)
	}

	return image, nil
}

// Reads an image's OCI config.
func (rt *Runtime) ImageConfig(ctx context.Context, image containerd.Image) (ocispec.Image, error) {
	target, err := rt.resolveManifest(ctx, image.Target())
	if err != nil {
		return ocispec.Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	manifest, err := rt.readManifest(ctx, target)
	if err != nil {
		return ocispec.Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	config, err := rt.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return config, nil
}

// Resolves an image root descriptor to a platform-specific manifest.
//
// If the root is an OCI image index, the index is walked to find the
// manifest matching the host platform. Some registries (notably Docker Hub)
// serve index entries without explicit platform metadata; such entries are
// probed by reading the image config to extract the platform, the same
// fallback that containerd's images.Manifest uses internally.
func (rt *Runtime) resolveManifest(ctx context.Context, root ocispec.Descriptor) (ocispec.Descriptor, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil
	}

	idx, err := rt.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, ErrEmptyIndex
	}

	matcher := platforms.OnlyStrict(platforms.MustParse(defaultPlatform()))

	for _, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return m, nil
		}
	}
	for _, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := rt.configPlatform(ctx, m); ok && matcher.Match(p) {
			return m, nil
		}
	}

	return idx.Manifests[0], nil
}

// Reads the image config referenced by a manifest descriptor and returns
// the platform declared in the config. Returns false when the config cannot
// be read.
func (rt *Runtime) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	manifest, err := rt.readManifest(ctx, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := rt.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Loads an OCI manifest from the content store.
func (rt *Runtime) readManifest(ctx context.Context, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	b, err := content.ReadBlob(ctx, rt.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return ocispec.Manifest{}, err
	}
	return m, nil
}

// Loads an OCI image index from the content store.
func (rt *Runtime) readIndex(ctx context.Context, desc ocispec.Descriptor) (ocispec.Index, error) {
	b, err := content.ReadBlob(ctx, rt.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Index{}, err
	}
	var idx ocispec.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

// Loads an OCI image config from the content store.
func (rt *Runtime) readConfig(ctx context.Context, desc ocispec.Descriptor) (ocispec.Image, error) {
	b, err := content.ReadBlob(ctx, rt.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Image{}, err
	}
	var img ocispec.Image
	if err := json.Unmarshal(b, &img); err != nil {
		return ocispec.Image{}, err
	}
	return img, nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (rt *Runtime) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	cs := rt.client.ContentStore()
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, cs, ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}

// Couples a content reader with the underlying ReaderAt so both are
// released on Close.
type blobReader struct {
	io.Reader
	ra content.ReaderAt
}

func (b *blobReader) Close() error {
	return b.ra.Close()
}
