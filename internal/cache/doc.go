// Package cache stores built layers keyed by step identity.
//
// The store is an explicit object rooted at a directory, not ambient global
// state. Entries persist across build invocations; the store is created
// empty on first use and never torn down implicitly. Each entry holds the
// layer blob produced by one build step together with the metadata needed
// to splice it back into an image (media type, blob digest, size, diff ID).
//
// Every read re-digests the blob and compares it against the recorded
// digest. A mismatch means the entry was corrupted (for example by an
// interrupted write from a concurrent build); the entry is discarded and
// the caller rebuilds the layer rather than being served bad content.
// Writes go through a temporary file and a rename so a partially-written
// entry is never visible under its final key, and a per-key lock serializes
// concurrent access to the same entry.
//
// Example usage:
//
//	store := cache.New(paths.LayerCache())
//
//	entry, err := store.Get(key)
//	switch {
//	case errors.Is(err, cache.ErrMiss):
//	    // build the layer, then store.Put(...)
//	case err != nil:
//	    return err
//	default:
//	    // reuse entry.Layer, blob at entry.BlobPath
//	}
package cache
