package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

func testLayer(content []byte) Layer {
	return Layer{
		MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
		DiffID:    digest.FromString("diff-" + string(content)),
	}
}

func TestPutGet(t *testing.T) {
	store := New(t.TempDir())
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	if err := store.Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if entry.Layer.Digest != digest.FromBytes(content) {
		t.Errorf("digest = %s, want %s", entry.Layer.Digest, digest.FromBytes(content))
	}

	blob, err := os.ReadFile(entry.BlobPath)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(blob, content) {
		t.Errorf("blob = %q, want %q", blob, content)
	}
}

func TestGetMiss(t *testing.T) {
	store := New(t.TempDir())

	_, err := store.Get(digest.FromString("never stored"))
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("error = %v, want ErrMiss", err)
	}
}

func TestPutRejectsMismatchedMetadata(t *testing.T) {
	store := New(t.TempDir())
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	meta := testLayer(content)
	meta.Digest = digest.FromString("something else")

	if err := store.Put(key, meta, bytes.NewReader(content)); err == nil {
		t.Fatal("expected error for mismatched digest, got nil")
	}

	// A rejected Put must leave no visible entry.
	if _, err := store.Get(key); !errors.Is(err, ErrMiss) {
		t.Fatalf("error after rejected Put = %v, want ErrMiss", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	store := New(root)
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	if err := store.Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Flip the blob on disk behind the store's back.
	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := os.WriteFile(entry.BlobPath, []byte("corrupted bytes!!"), 0644); err != nil {
		t.Fatalf("corrupting blob: %v", err)
	}

	if _, err := store.Get(key); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("error = %v, want ErrCorrupt", err)
	}

	// The corrupt entry is discarded, so the next lookup is a plain miss
	// and the step gets rebuilt instead of silently served bad content.
	if _, err := store.Get(key); !errors.Is(err, ErrMiss) {
		t.Fatalf("error after corruption = %v, want ErrMiss", err)
	}
}

func TestGetDiscardsUnreadableMetadata(t *testing.T) {
	store := New(t.TempDir())
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	if err := store.Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Truncate the metadata document mid-JSON.
	metaPath := filepath.Join(store.entryDir(key), metadataFilename)
	if err := os.WriteFile(metaPath, []byte(`{"mediaType":"applic`), 0644); err != nil {
		t.Fatalf("truncating metadata: %v", err)
	}

	if _, err := store.Get(key); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("error = %v, want ErrCorrupt", err)
	}

	// The entry is gone, not stuck returning the same decode error on
	// every lookup.
	if _, err := store.Get(key); !errors.Is(err, ErrMiss) {
		t.Fatalf("error after discard = %v, want ErrMiss", err)
	}
}

func TestConcurrentPutsSameKey(t *testing.T) {
	store := New(t.TempDir())
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every writer raced on the same entry; the survivor must still be
	// internally consistent.
	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get after concurrent Puts: %v", err)
	}
	blob, err := os.ReadFile(entry.BlobPath)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(blob, content) {
		t.Errorf("blob = %q, want %q", blob, content)
	}
}

func TestEntriesPersistAcrossStores(t *testing.T) {
	root := t.TempDir()
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	if err := New(root).Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh store over the same root sees the entry.
	if _, err := New(root).Get(key); err != nil {
		t.Fatalf("Get from fresh store: %v", err)
	}
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	store := New(root)
	key := digest.FromString("step-1")
	content := []byte("layer contents")

	if err := store.Put(key, testLayer(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := store.Get(key); !errors.Is(err, ErrMiss) {
		t.Fatalf("error after prune = %v, want ErrMiss", err)
	}
}

func TestEntryDirSharding(t *testing.T) {
	store := New("/cache")
	key := digest.FromString("step-1")

	dir := store.entryDir(key)
	hex := key.Encoded()

	want := filepath.Join("/cache", hex[:2], hex)
	if dir != want {
		t.Errorf("entryDir = %q, want %q", dir, want)
	}
}
