// Package build turns a plan and a build context into a layered image.
//
// Steps execute strictly sequentially; each filesystem-mutating step runs in
// a fresh container created from the image committed by the previous step,
// and its snapshot diff becomes one immutable layer. Before a step executes,
// its identity key is derived from the previous layer's key, the step's own
// definition, and (for copy steps) the content of the copied files. A layer
// cached under that key is spliced into the image without re-executing the
// step, which is what keeps the expensive dependency-install layer warm when
// only application source changes.
//
// Metadata steps (workdir, expose, entrypoint) produce no layer; they chain
// the identity key and are applied to the image config at the final commit.
//
// A failed step aborts the build immediately. No image is produced, but
// every layer committed before the failure remains cached for the next
// attempt.
//
// Example usage:
//
//	result, err := build.Run(ctx, rt, build.Options{
//	    Plan:    plan,
//	    Tag:     "myapp:latest",
//	    Context: ".",
//	    Output:  "dist",
//	    Store:   cache.New(paths.LayerCache()),
//	})
//	if err != nil {
//	    return err
//	}
package build
