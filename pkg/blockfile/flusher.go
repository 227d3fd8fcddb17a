package blockfile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/sparseindex"
)

// Flusher persists the blocks materialized by a writer's Commit, and the
// resulting root manifest, to the object store. Splitting commit (in-memory
// materialization) from flush (durable write) mirrors the BlockManager's own
// Commit/Flush split in §4.A, lifted to the whole blockfile.
type Flusher struct {
	manager *block.Manager
	root    *sparseindex.Root
	pending map[uuid.UUID]*block.Block
}

// Flush writes every pending block and the root manifest to the object
// store under rootDir, returning the persisted Root.
func (f *Flusher) Flush(ctx context.Context, bf *Blockfile) (*sparseindex.Root, error) {
	for _, b := range f.pending {
		if err := f.manager.Flush(ctx, b); err != nil {
			return nil, fmt.Errorf("blockfile: flush block %s: %w", b.ID, err)
		}
	}
	if err := bf.WriteRoot(ctx, f.root); err != nil {
		return nil, err
	}
	return f.root, nil
}

// Root returns the in-memory root the Flusher will persist, without writing
// anything. Useful for callers that want to inspect or further validate the
// post-commit state before flushing.
func (f *Flusher) Root() *sparseindex.Root { return f.root }
