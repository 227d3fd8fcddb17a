package blockfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/sparseindex"
)

// UnorderedWriter supports arbitrary-order Set/Delete against a blockfile.
// Each write touches at most one block: the target block is forked into a
// BlockDelta the first time it is touched (fork-on-first-touch); subsequent
// writes to the same range reuse that delta. A delta that grows past the
// manager's configured size limit is split immediately at its median key.
//
// Grounded on original_source/rust/blockstore/src/arrow/blockfile.rs's
// ArrowUnorderedBlockfileWriter and on the teacher's pkg/mddb write path
// (load-or-create-then-mutate under one lock per logical file).
type UnorderedWriter struct {
	manager *block.Manager
	root    *sparseindex.Root

	mu      sync.Mutex
	deltas  map[uuid.UUID]*block.Delta // current block id (post fork) -> its open delta
	pending map[uuid.UUID]*block.Block // blocks materialized this session, awaiting Flush
}

func newUnorderedWriter(manager *block.Manager, root *sparseindex.Root) *UnorderedWriter {
	return &UnorderedWriter{
		manager: manager,
		root:    root,
		deltas:  make(map[uuid.UUID]*block.Delta),
		pending: make(map[uuid.UUID]*block.Block),
	}
}

// Set writes value at (prefix, k), forking the target block on first touch.
func (w *UnorderedWriter) Set(ctx context.Context, prefix string, k key.Value, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := key.New(prefix, k)
	delta, err := w.deltaForLocked(ctx, ck)
	if err != nil {
		return err
	}
	delta.Put(ck, value)

	if delta.SizeBytes() > w.manager.MaxBlockSizeBytes() && delta.Len() >= 2 {
		return w.splitLocked(delta)
	}
	return nil
}

// Delete removes (prefix, k) from the blockfile, if present.
func (w *UnorderedWriter) Delete(ctx context.Context, prefix string, k key.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := key.New(prefix, k)
	delta, err := w.deltaForLocked(ctx, ck)
	if err != nil {
		return err
	}
	delta.Delete(ck)
	return nil
}

// deltaForLocked returns the open delta for ck's target block, forking it
// from the current committed block the first time this writer touches it.
// Must be called with w.mu held.
func (w *UnorderedWriter) deltaForLocked(ctx context.Context, ck key.Composite) (*block.Delta, error) {
	targetID := w.root.Index.GetTargetBlockID(ck)
	if d, ok := w.deltas[targetID]; ok {
		return d, nil
	}

	delta, err := w.manager.Fork(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockUnavailable, err)
	}
	if err := w.root.Index.ReplaceBlock(targetID, delta.ID); err != nil {
		return nil, fmt.Errorf("blockfile: %w", err)
	}
	w.deltas[delta.ID] = delta
	return delta, nil
}

// splitLocked divides an overgrown delta at its median key into two blocks,
// committing both immediately (§4.C: "the writer splits eagerly, not at
// commit time, so no single delta grows unbounded during a long write
// session"). The left half keeps the original delimiter; the right half is
// inserted as a new entry.
func (w *UnorderedWriter) splitLocked(delta *block.Delta) error {
	left, right := delta.Split()

	leftBlock := w.manager.Commit(left)
	rightBlock := w.manager.Commit(right)
	w.pending[leftBlock.ID] = leftBlock
	w.pending[rightBlock.ID] = rightBlock
	delete(w.pending, delta.ID) // the pre-split delta, if it had been committed before, is superseded

	if err := w.root.Index.ReplaceBlock(delta.ID, leftBlock.ID); err != nil {
		return fmt.Errorf("blockfile: split replace: %w", err)
	}
	rightMin, ok := rightBlock.MinKey()
	if !ok {
		return fmt.Errorf("blockfile: split produced an empty right half")
	}
	w.root.Index.AddBlock(rightMin, rightBlock.ID)

	if err := w.root.Index.SetCount(leftBlock.ID, leftBlock.Len()); err != nil {
		return err
	}
	if err := w.root.Index.SetCount(rightBlock.ID, rightBlock.Len()); err != nil {
		return err
	}

	delete(w.deltas, delta.ID)
	return nil
}

// Fork returns a new UnorderedWriter over a fresh root that initially
// references exactly the same blocks as w's current root. Any delta open in
// w (uncommitted mutations) is NOT carried over: Fork operates on the last
// committed state, matching the block-manager-level rule that forking
// assigns new identity only to blocks actually touched afterward.
func (w *UnorderedWriter) Fork() *UnorderedWriter {
	w.mu.Lock()
	defer w.mu.Unlock()

	forked := &sparseindex.Root{
		ID:                uuid.New(),
		Version:           sparseindex.CurrentVersion,
		BlockfileID:       w.root.BlockfileID,
		PrefixPath:        w.root.PrefixPath,
		MaxBlockSizeBytes: w.root.MaxBlockSizeBytes,
		KeyKind:           w.root.KeyKind,
		Index:             cloneIndex(w.root.Index),
	}
	return newUnorderedWriter(w.manager, forked)
}

func cloneIndex(src *sparseindex.SparseIndex) *sparseindex.SparseIndex {
	return sparseindex.FromSnapshot(src.Snapshot())
}

// Commit drops empty deltas from the sparse index, materializes the
// remainder into immutable Blocks, and returns a Flusher that will persist
// them (and the updated root manifest) to the object store. After Commit,
// the writer itself should not be reused.
func (w *UnorderedWriter) Commit() (*Flusher, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, delta := range w.deltas {
		if delta.IsEmpty() {
			if err := w.root.Index.RemoveBlock(id); err != nil {
				return nil, fmt.Errorf("blockfile: commit: drop empty block: %w", err)
			}
			continue
		}
		b := w.manager.Commit(delta)
		w.pending[b.ID] = b
		if err := w.root.Index.SetCount(b.ID, b.Len()); err != nil {
			return nil, fmt.Errorf("blockfile: commit: %w", err)
		}
	}
	w.deltas = make(map[uuid.UUID]*block.Delta)

	if err := w.root.Index.IsValid(); err != nil {
		return nil, fmt.Errorf("blockfile: commit produced invalid index: %w", err)
	}

	return &Flusher{manager: w.manager, root: w.root, pending: w.pending}, nil
}
