package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"

	"github.com/stratumhq/stratad/internal/paths"
)

const (
	metadataFilename = "layer.json"
	blobFilename     = "layer.blob"
)

// Metadata recorded for one cached layer.
type Layer struct {
	MediaType string        `json:"mediaType"` // OCI media type of the blob.
	Digest    digest.Digest `json:"digest"`    // Digest of the blob as stored.
	Size      int64         `json:"size"`      // Blob size in bytes.
	DiffID    digest.Digest `json:"diffID"`    // Digest of the uncompressed layer tar.
}

// A verified cache hit.
type Entry struct {
	Layer    Layer  // Layer metadata.
	BlobPath string // Path to the verified blob on disk.
}

// A content-addressed layer store on the local filesystem.
//
// Entries are laid out as {root}/{hex[:2]}/{hex}/ where hex is the encoded
// identity key, mirroring how registries shard blob directories.
type Store struct {
	root  string         // Root directory of the store.
	locks *locker.Locker // Per-key locks serializing entry access.
}

// Creates a store rooted at dir. The directory is created lazily on the
// first write.
func New(dir string) *Store {
	return &Store{
		root:  dir,
		locks: locker.New(),
	}
}

// Looks up the layer cached under the given identity key.
//
// The blob is re-digested before the entry is returned. Returns [ErrMiss]
// when no entry exists, and [ErrCorrupt] when the metadata cannot be decoded
// or the stored blob does not match its recorded digest; a corrupt entry is
// removed so the next build attempt starts clean.
func (s *Store) Get(key digest.Digest) (*Entry, error) {
	name := key.String()
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	dir := s.entryDir(key)

	meta, err := readMetadata(filepath.Join(dir, metadataFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		slog.Warn("discarding corrupt cache entry", "key", key, "error", err)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	blobPath := filepath.Join(dir, blobFilename)
	if err := verifyBlob(blobPath, meta); err != nil {
		slog.Warn("discarding corrupt cache entry", "key", key, "error", err)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return &Entry{Layer: *meta, BlobPath: blobPath}, nil
}

// Stores a layer blob under the given identity key.
//
// The blob is written to a temporary file, digested as it is written, and
// renamed into place only after both the content digest and the size match
// the metadata. An interrupted Put leaves no visible entry.
func (s *Store) Put(key digest.Digest, meta Layer, blob io.Reader) error {
	name := key.String()
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	dir := s.entryDir(key)
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if err := writeBlobAtomic(dir, meta, blob); err != nil {
		return err
	}

	if err := writeMetadataAtomic(dir, meta); err != nil {
		return err
	}

	slog.Debug("layer cached", "key", key, "digest", meta.Digest, "size", meta.Size)
	return nil
}

// Removes every entry in the store.
func (s *Store) Prune() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Returns the directory holding the entry for a key.
func (s *Store) entryDir(key digest.Digest) string {
	hex := key.Encoded()
	return filepath.Join(s.root, hex[:2], hex)
}

// Streams blob into dir/layer.blob via a temp file, verifying digest and
// size against meta before the rename.
func writeBlobAtomic(dir string, meta Layer, blob io.Reader) error {
	tmp, err := os.CreateTemp(dir, blobFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), blob)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if n != meta.Size {
		return fmt.Errorf("%w: wrote %d bytes, metadata declares %d", ErrStore, n, meta.Size)
	}
	if got := digester.Digest(); got != meta.Digest {
		return fmt.Errorf("%w: blob digest %s does not match metadata %s", ErrStore, got, meta.Digest)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, blobFilename)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Writes dir/layer.json via a temp file and rename so a reader never sees
// a partially written document.
func writeMetadataAtomic(dir string, meta Layer) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	tmp, err := os.CreateTemp(dir, metadataFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, metadataFilename)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Reads and decodes entry metadata.
func readMetadata(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Layer
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Re-digests the blob on disk and compares it against the metadata.
func verifyBlob(path string, meta *Layer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return err
	}

	if n != meta.Size {
		return fmt.Errorf("blob is %d bytes, metadata declares %d", n, meta.Size)
	}
	if got := digester.Digest(); got != meta.Digest {
		return fmt.Errorf("blob digest %s does not match metadata %s", got, meta.Digest)
	}
	return nil
}
