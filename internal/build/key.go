package build

import (
	"encoding/binary"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/stratumhq/stratad/internal/manifest"
)

// Derives the identity key of a layer from its parent's key, the step's own
// definition, and the content digest of any external files the step reads.
//
// Two builds with identical ordered step sequences and identical copied
// file contents derive identical keys, which is the property the layer
// cache relies on. Any change to a step or its inputs changes its key and,
// through the parent chain, the key of every later step.
func stepIdentity(parent digest.Digest, step manifest.Step, content digest.Digest) digest.Digest {
	kind, _ := step.Kind()

	h := newKeyHasher()
	h.field(parent.String())
	h.field(string(kind))

	switch kind {
	case manifest.KindFrom:
		h.field(step.From)
	case manifest.KindPackages:
		h.count(len(step.Packages))
		for _, pkg := range step.Packages {
			h.field(pkg)
		}
	case manifest.KindCopy:
		h.field(step.Copy)
	case manifest.KindRun:
		h.field(step.Run)
	case manifest.KindWorkdir:
		h.field(step.Workdir)
	case manifest.KindExpose:
		h.field(strconv.Itoa(step.Expose))
	case manifest.KindEntrypoint:
		h.count(len(step.Entrypoint))
		for _, arg := range step.Entrypoint {
			h.field(arg)
		}
	}

	h.field(content.String())

	return h.sum()
}

// Derives the identity key of the base layer from the resolved image's
// content digest, so a retagged or updated base invalidates everything
// built on top of it.
func baseIdentity(step manifest.Step, resolved digest.Digest) digest.Digest {
	return stepIdentity("", step, resolved)
}

// Incrementally hashes length-prefixed fields.
//
// Length prefixes prevent ambiguity between adjacent fields (e.g. the pair
// "ab","c" hashing identically to "a","bc").
type keyHasher struct {
	digester digest.Digester
}

func newKeyHasher() *keyHasher {
	return &keyHasher{digester: digest.Canonical.Digester()}
}

func (h *keyHasher) field(s string) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(s)))
	h.digester.Hash().Write(prefix[:])
	h.digester.Hash().Write([]byte(s))
}

func (h *keyHasher) count(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.digester.Hash().Write(buf[:])
}

func (h *keyHasher) sum() digest.Digest {
	return h.digester.Digest()
}
