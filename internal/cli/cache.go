package cli

import (
	"context"
	"fmt"

	"github.com/stratumhq/stratad/internal/cache"
	"github.com/stratumhq/stratad/internal/paths"
)

// Represents the 'stratad cache' command group.
type CacheCmd struct {
	Prune CachePruneCmd `cmd:"" help:"Remove every cached layer."`
}

// Represents the 'stratad cache prune' command.
type CachePruneCmd struct {
	Dir string `help:"Override the layer cache directory." placeholder:"DIR"`
}

// Executes the cache prune command.
//
// Pruning only touches the on-disk layer store; images already committed
// to containerd keep their layers.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	dir := c.Dir
	if dir == "" {
		dir = paths.LayerCache()
	}

	if err := cache.New(dir).Prune(); err != nil {
		return err
	}

	fmt.Printf("layer cache pruned: %s\n", dir)
	return nil
}
