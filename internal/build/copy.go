package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencontainers/go-digest"

	"github.com/stratumhq/stratad/internal/runtime"
)

// Executes a copy step, transferring files into the build container.
//
// The copy string has the format "srcPattern dest". The source pattern is
// resolved against the build context with glob support; "." copies the
// whole context. If dest is not absolute it is joined with the current
// working directory.
func executeCopy(ctx context.Context, ctr *runtime.Container, copyStr, workdir, buildCtx string) error {
	pattern, dest, err := parseCopy(copyStr, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	sources, err := resolveSources(buildCtx, pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	single := false
	if len(sources) == 1 {
		info, err := os.Stat(sources[0])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCopy, err)
		}
		single = !info.IsDir() && !strings.HasSuffix(dest, "/")
	}

	destDir := dest
	if single {
		destDir = filepath.Dir(dest)
	}
	if err := ctr.MkdirAll(ctx, destDir); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	slog.Debug("copy", "pattern", pattern, "dest", dest, "sources", len(sources))

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		for _, src := range sources {
			name := filepath.Base(src)
			if single {
				name = filepath.Base(dest)
			}

			info, err := os.Stat(src)
			if err != nil {
				writeErr = err
				break
			}

			if info.IsDir() {
				// The context directory itself copies its contents,
				// not a subdirectory named after it.
				prefix := name
				if src == buildCtx {
					prefix = "."
				}
				writeErr = writeDirToTar(tw, src, prefix)
			} else {
				writeErr = writeFileToTar(tw, src, name)
			}
			if writeErr != nil {
				break
			}
		}

		tw.Close()
		pw.CloseWithError(writeErr)
	}()

	if err := ctr.CopyTo(ctx, pr, destDir); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	return nil
}

// Parses a copy string into a source pattern and destination path.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir.
func parseCopy(s, workdir string) (pattern, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source pattern and destination, got %q", s)
	}

	pattern = parts[0]
	dest = parts[1]

	if !filepath.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = filepath.Join(workdir, dest)
	}

	return pattern, dest, nil
}

// Resolves a source pattern against the build context.
//
// "." resolves to the context directory itself. Other patterns are matched
// with doublestar glob semantics. The result is sorted and non-empty;
// a pattern that matches nothing is an error.
func resolveSources(buildCtx, pattern string) ([]string, error) {
	if pattern == "." {
		return []string{buildCtx}, nil
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(buildCtx, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pattern %q matched no files", pattern)
	}

	sort.Strings(matches)
	return matches, nil
}

// Digests the content of every file a copy step reads, in sorted path
// order, so the step's identity key changes whenever any copied byte does.
//
// Paths contribute relative to the build context, making the digest stable
// across checkouts at different absolute locations.
func sourceDigest(buildCtx string, sources []string) (digest.Digest, error) {
	h := newKeyHasher()

	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return "", err
		}

		if info.IsDir() {
			if err := digestDir(h, buildCtx, src); err != nil {
				return "", err
			}
			continue
		}

		if err := digestFile(h, buildCtx, src); err != nil {
			return "", err
		}
	}

	return h.sum(), nil
}

// Hashes every regular file under dir in lexical walk order.
func digestDir(h *keyHasher, buildCtx, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return digestFile(h, buildCtx, path)
	})
}

// Hashes one file's context-relative path and content.
func digestFile(h *keyHasher, buildCtx, path string) error {
	rel, err := filepath.Rel(buildCtx, path)
	if err != nil {
		rel = path
	}
	h.field(filepath.ToSlash(rel))

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	h.field(string(content))

	return nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, relPath))
		return writeTarEntry(tw, path, archivePath, d)
	})
}

// Writes a single file or directory entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
