package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stratumhq/stratad/internal/cache"
	"github.com/stratumhq/stratad/internal/manifest"
	"github.com/stratumhq/stratad/internal/paths"
	"github.com/stratumhq/stratad/internal/runtime"
)

// ArchiveName is the filename of the exported image archive inside the
// output directory.
const ArchiveName = "image.tar"

// Options configure a single build.
type Options struct {
	Plan    *manifest.Plan // Validated build plan.
	Tag     string         // Tag for the final image.
	Context string         // Build context directory for copy steps.
	Output  string         // Optional directory for the exported archive.
	Store   *cache.Store   // Layer cache.
}

// Result reports what a build produced.
type Result struct {
	Tag         string        // Tag of the committed image.
	ImageDigest digest.Digest // Digest of the final manifest.
	Steps       int           // Total steps executed, including metadata steps.
	LayersBuilt int           // Layers executed and committed fresh.
	CacheHits   int           // Layers spliced from the cache.
	ArchivePath string        // Path of the exported archive, if requested.
	Duration    time.Duration // Wall-clock build time.
}

// Runs a build to completion.
//
// A content lease is held for the whole build so intermediate blobs survive
// containerd's garbage collector until they are referenced by committed
// manifests. The first failing step aborts the build; layers committed
// before it stay cached.
func Run(ctx context.Context, rt *runtime.Runtime, opts Options) (*Result, error) {
	if opts.Plan == nil {
		return nil, fmt.Errorf("%w: no plan", ErrBuild)
	}
	if err := opts.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if opts.Tag == "" {
		return nil, fmt.Errorf("%w: no image tag", ErrBuild)
	}

	buildCtx, err := filepath.Abs(opts.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	leased, release, err := rt.WithLease(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// A build that failed or was interrupted leaves its intermediate tags
	// behind; once the plan changes those keys never recur, so sweep the
	// whole prefix before committing new ones.
	if err := rt.RemoveImagesByPrefix(leased, stepImagePrefix); err != nil {
		slog.Warn("failed to sweep stale layer tags", "error", err)
	}

	b := &builder{
		rt:       rt,
		store:    opts.Store,
		buildCtx: buildCtx,
		tag:      opts.Tag,
	}

	start := time.Now()

	image, err := b.run(leased, opts.Plan)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Tag:         opts.Tag,
		ImageDigest: image.Target().Digest,
		Steps:       len(opts.Plan.Steps),
		LayersBuilt: b.built,
		CacheHits:   b.hits,
		Duration:    time.Since(start),
	}

	if opts.Output != "" {
		path, err := b.export(ctx, opts.Output)
		if err != nil {
			return nil, err
		}
		result.ArchivePath = path
	}

	slog.Info("build complete",
		"tag", result.Tag,
		"digest", result.ImageDigest,
		"layers", result.LayersBuilt,
		"cached", result.CacheHits,
		"duration", result.Duration.Round(time.Millisecond))

	return result, nil
}

// Tracks state threaded through a build: the identity key chain and the
// metadata accumulated for the final image config.
type builder struct {
	rt       *runtime.Runtime
	store    *cache.Store
	buildCtx string
	tag      string

	key     digest.Digest // Identity key of the last chained step.
	workdir string

	stepTags []string // Key-addressed intermediate image tags.

	built int
	hits  int
}

func (b *builder) run(ctx context.Context, plan *manifest.Plan) (containerd.Image, error) {
	var image containerd.Image

	for i, step := range plan.Steps {
		kind, err := step.Kind()
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrBuild, i+1, err)
		}

		if i == 0 {
			image, err = b.rt.ResolveBase(ctx, step.From)
			if err != nil {
				return nil, fmt.Errorf("%w: step 1: %w", ErrBuild, err)
			}
			b.key = baseIdentity(step, image.Target().Digest)
			slog.Info("base image resolved", "ref", step.From, "digest", image.Target().Digest)
			continue
		}

		if kind.Mutating() {
			image, err = b.layerStep(ctx, image, i, step, kind)
			if err != nil {
				return nil, err
			}
			continue
		}

		b.metadataStep(step, kind)
	}

	return b.finalize(ctx, image, plan)
}

// Executes one filesystem-mutating step, consulting the cache first.
//
// Either way the resulting layer is appended to the parent image and
// committed under a key-addressed intermediate tag, so an interrupted build
// resumes from its last finished layer.
func (b *builder) layerStep(ctx context.Context, parent containerd.Image, idx int, step manifest.Step, kind manifest.Kind) (containerd.Image, error) {
	content := digest.Digest("")
	if kind == manifest.KindCopy {
		var err error
		content, err = b.copyContentDigest(step)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrBuild, idx+1, err)
		}
	}

	key := stepIdentity(b.key, step, content)

	layer, hit := b.cachedLayer(ctx, key)
	if hit {
		b.hits++
		slog.Info("layer cache hit", "step", idx+1, "kind", kind, "key", shortKey(key))
	} else {
		var err error
		layer, err = b.buildLayer(ctx, parent, key, step, kind)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %w", ErrBuild, idx+1, kind, err)
		}
		b.built++
		slog.Info("layer built", "step", idx+1, "kind", kind, "key", shortKey(key))
	}

	tag := stepImageTag(key)
	image, err := b.rt.Commit(ctx, parent, tag, &layer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: step %d: %w", ErrBuild, idx+1, err)
	}

	b.key = key
	b.stepTags = append(b.stepTags, tag)
	return image, nil
}

// Resolves a copy step's sources and digests their content for the
// identity key.
func (b *builder) copyContentDigest(step manifest.Step) (digest.Digest, error) {
	pattern, _, err := parseCopy(step.Copy, b.workdir)
	if err != nil {
		return "", err
	}
	sources, err := resolveSources(b.buildCtx, pattern)
	if err != nil {
		return "", err
	}
	return sourceDigest(b.buildCtx, sources)
}

// Looks the key up in the layer store and, on a hit, re-imports the stored
// blob into containerd's content store so it can be appended to an image.
//
// A miss, a corrupted entry, or a failed import all fall back to executing
// the step; the cache never turns a build into a failure.
func (b *builder) cachedLayer(ctx context.Context, key digest.Digest) (runtime.AppendedLayer, bool) {
	entry, err := b.store.Get(key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("discarding unusable cache entry", "key", shortKey(key), "error", err)
		}
		return runtime.AppendedLayer{}, false
	}

	desc := ocispec.Descriptor{
		MediaType: entry.Layer.MediaType,
		Digest:    entry.Layer.Digest,
		Size:      entry.Layer.Size,
	}

	blob, err := os.Open(entry.BlobPath)
	if err != nil {
		slog.Warn("cache blob vanished", "key", shortKey(key), "error", err)
		return runtime.AppendedLayer{}, false
	}
	defer blob.Close()

	if err := b.rt.ImportLayerBlob(ctx, blob, desc); err != nil {
		slog.Warn("cache blob import failed", "key", shortKey(key), "error", err)
		return runtime.AppendedLayer{}, false
	}

	return runtime.AppendedLayer{Descriptor: desc, DiffID: entry.Layer.DiffID}, true
}

// Executes a step in a fresh container created from the parent image and
// captures its snapshot diff as a layer, storing it in the cache under key.
func (b *builder) buildLayer(ctx context.Context, parent containerd.Image, key digest.Digest, step manifest.Step, kind manifest.Kind) (runtime.AppendedLayer, error) {
	ctr, err := b.rt.StartBuildContainer(ctx, parent, containerID(key))
	if err != nil {
		return runtime.AppendedLayer{}, err
	}
	defer ctr.Destroy(ctx)

	if err := b.executeStep(ctx, ctr, step, kind); err != nil {
		return runtime.AppendedLayer{}, err
	}

	// Quiesce the filesystem before diffing.
	if err := ctr.Stop(ctx); err != nil {
		return runtime.AppendedLayer{}, err
	}

	layer, err := ctr.SnapshotDiff(ctx)
	if err != nil {
		return runtime.AppendedLayer{}, err
	}

	b.storeLayer(ctx, key, layer)

	return layer, nil
}

// Copies a freshly built layer blob into the cache. Failures are logged,
// not fatal; the build has the layer in containerd's content store either
// way.
func (b *builder) storeLayer(ctx context.Context, key digest.Digest, layer runtime.AppendedLayer) {
	blob, err := b.rt.OpenBlob(ctx, layer.Descriptor)
	if err != nil {
		slog.Warn("layer not cached", "key", shortKey(key), "error", err)
		return
	}
	defer blob.Close()

	meta := cache.Layer{
		MediaType: layer.Descriptor.MediaType,
		Digest:    layer.Descriptor.Digest,
		Size:      layer.Descriptor.Size,
		DiffID:    layer.DiffID,
	}

	if err := b.store.Put(key, meta, blob); err != nil {
		slog.Warn("layer not cached", "key", shortKey(key), "error", err)
	}
}

// Records a metadata step. No layer is produced, but the identity key
// chains through it so reordering metadata against mutating steps changes
// every later key. Workdir takes effect immediately for later run and copy
// steps; expose and entrypoint are applied at the final commit.
func (b *builder) metadataStep(step manifest.Step, kind manifest.Kind) {
	b.key = stepIdentity(b.key, step, "")

	if kind == manifest.KindWorkdir {
		b.workdir = step.Workdir
	}
}

// Commits the final image under the requested tag, applying the plan's
// metadata to the image config, then drops the intermediate tags so only
// the named image pins the layers.
func (b *builder) finalize(ctx context.Context, image containerd.Image, plan *manifest.Plan) (containerd.Image, error) {
	final, err := b.rt.Commit(ctx, image, b.tag, nil, func(cfg *ocispec.Image) {
		if entrypoint := plan.Entrypoint(); entrypoint != nil {
			cfg.Config.Entrypoint = entrypoint
			cfg.Config.Cmd = nil
		}
		if b.workdir != "" {
			cfg.Config.WorkingDir = b.workdir
		}
		if port := plan.ExposedPort(); port != 0 {
			if cfg.Config.ExposedPorts == nil {
				cfg.Config.ExposedPorts = map[string]struct{}{}
			}
			cfg.Config.ExposedPorts[strconv.Itoa(port)+"/tcp"] = struct{}{}
		}
		if cfg.Config.Labels == nil {
			cfg.Config.Labels = map[string]string{}
		}
		cfg.Config.Labels["dev.stratumhq.stratad.key"] = b.key.String()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: final commit: %w", ErrBuild, err)
	}

	for _, tag := range b.stepTags {
		if err := b.rt.RemoveImage(ctx, tag); err != nil {
			slog.Warn("failed to remove intermediate image", "tag", tag, "error", err)
		}
	}

	return final, nil
}

// Exports the final image as an OCI archive under dir.
func (b *builder) export(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	path := filepath.Join(dir, ArchiveName)
	if err := b.rt.ExportArchive(ctx, b.tag, path); err != nil {
		return "", err
	}

	slog.Info("image exported", "path", path)
	return path, nil
}

// Intermediate images are tagged by identity key under a dedicated prefix
// so stale tags from interrupted builds can be swept without touching named
// images.
const stepImagePrefix = "stratad.local/layer:"

func stepImageTag(key digest.Digest) string {
	return stepImagePrefix + key.Encoded()[:16]
}

func containerID(key digest.Digest) string {
	return "stratad-build-" + key.Encoded()[:12]
}

func shortKey(key digest.Digest) string {
	return key.Encoded()[:12]
}
