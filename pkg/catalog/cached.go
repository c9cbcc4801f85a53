package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gridqueue/gridqueue/pkg/element"
)

// Cached wraps a Catalog with expiring LRU caches. Errors are never cached.
type Cached struct {
	next     Catalog
	blocks   *expirable.LRU[string, []element.Block]
	metadata *expirable.LRU[string, element.Block]
	files    *expirable.LRU[string, []File]
}

func NewCached(next Catalog, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:     next,
		blocks:   expirable.NewLRU[string, []element.Block](size, nil, ttl),
		metadata: expirable.NewLRU[string, element.Block](size, nil, ttl),
		files:    expirable.NewLRU[string, []File](size, nil, ttl),
	}
}

func (c *Cached) ListBlocks(ctx context.Context, dataset string) ([]element.Block, error) {
	if blocks, ok := c.blocks.Get(dataset); ok {
		return blocks, nil
	}
	blocks, err := c.next.ListBlocks(ctx, dataset)
	if err != nil {
		return nil, err
	}
	c.blocks.Add(dataset, blocks)
	return blocks, nil
}

func (c *Cached) BlockMetadata(ctx context.Context, block string) (element.Block, error) {
	if b, ok := c.metadata.Get(block); ok {
		return b, nil
	}
	b, err := c.next.BlockMetadata(ctx, block)
	if err != nil {
		return element.Block{}, err
	}
	c.metadata.Add(block, b)
	return b, nil
}

func (c *Cached) Files(ctx context.Context, block string) ([]File, error) {
	if files, ok := c.files.Get(block); ok {
		return files, nil
	}
	files, err := c.next.Files(ctx, block)
	if err != nil {
		return nil, err
	}
	c.files.Add(block, files)
	return files, nil
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.blocks.Purge()
	c.metadata.Purge()
	c.files.Purge()
}
