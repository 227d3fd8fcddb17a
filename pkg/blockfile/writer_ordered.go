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

// OrderedWriter rewrites a blockfile in a single forward pass: callers must
// supply keys in non-decreasing order. Unlike UnorderedWriter, it never
// forks every block up front — it keeps a stack of not-yet-touched blocks
// and defers copying each one's unchanged tail until the write position
// crosses into it (BlockDelta.CopyTail), so a rewrite that only modifies the
// first few keys never has to read the rest of the blockfile.
//
// Grounded on original_source/rust/blockstore/src/arrow/
// ordered_blockfile_writer.rs (remaining_block_stack / current_block_delta /
// completed_block_deltas) and the teacher's forward-scan merge style in
// internal/store's WAL replay.
type OrderedWriter struct {
	manager *block.Manager
	root    *sparseindex.Root

	mu sync.Mutex

	remaining []remainingBlock // not-yet-touched blocks, ascending, front = next
	current   *currentBlock
	completed []completedBlock
	lastKey   *key.Composite
	pending   map[uuid.UUID]*block.Block
}

type remainingBlock struct {
	delim sparseindex.Delimiter
	id    uuid.UUID
	count int
}

type currentBlock struct {
	delta *block.Delta
	delim sparseindex.Delimiter  // delimiter this block will have once finalized
	bound *sparseindex.Delimiter // delimiter of the next remaining block, or nil if this is the last
}

type completedBlock struct {
	delim sparseindex.Delimiter
	block *block.Block
}

func newOrderedWriter(ctx context.Context, manager *block.Manager, root *sparseindex.Root) (*OrderedWriter, error) {
	rows := root.Index.Snapshot()
	if len(rows) == 0 {
		return nil, fmt.Errorf("blockfile: ordered writer: empty index")
	}

	w := &OrderedWriter{
		manager: manager,
		root:    root,
		pending: make(map[uuid.UUID]*block.Block),
	}
	for _, r := range rows {
		w.remaining = append(w.remaining, remainingBlock{delim: r.Delim, id: r.BlockID, count: r.Count})
	}

	if err := w.advanceToNextRemainingLocked(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// advanceToNextRemainingLocked pops the next remaining block and forks it as
// the new current block. Must be called with w.mu held.
func (w *OrderedWriter) advanceToNextRemainingLocked(ctx context.Context) error {
	if len(w.remaining) == 0 {
		w.current = nil
		return nil
	}
	next := w.remaining[0]
	w.remaining = w.remaining[1:]

	base, err := w.manager.Get(ctx, next.id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockUnavailable, err)
	}
	delta := block.ForkOrdered(base)

	var bound *sparseindex.Delimiter
	if len(w.remaining) > 0 {
		bound = &w.remaining[0].delim
	}
	w.current = &currentBlock{delta: delta, delim: next.delim, bound: bound}
	return nil
}

// finalizeCurrentLocked flushes the remainder of the current block's base
// tail, commits it if non-empty, and records it as completed.
func (w *OrderedWriter) finalizeCurrentLocked() {
	if w.current == nil {
		return
	}
	w.current.delta.CopyTail(nil)
	if !w.current.delta.IsEmpty() {
		b := w.manager.Commit(w.current.delta)
		w.pending[b.ID] = b
		w.completed = append(w.completed, completedBlock{delim: w.current.delim, block: b})
	}
	w.current = nil
}

// advanceLocked moves the write cursor up to (but not past) ck: it finalizes
// and rotates through any fully-passed blocks, then flushes the current
// block's base entries strictly below ck so they're written in order ahead
// of the caller's upcoming Put/Delete. Must be called with w.mu held.
func (w *OrderedWriter) advanceLocked(ctx context.Context, ck key.Composite) error {
	if w.lastKey != nil && ck.Less(*w.lastKey) {
		return fmt.Errorf("blockfile: ordered writer requires non-decreasing keys")
	}

	ckDelim := sparseindex.Key(ck)
	for w.current != nil && w.current.bound != nil && !ckDelim.Less(*w.current.bound) {
		w.finalizeCurrentLocked()
		if err := w.advanceToNextRemainingLocked(ctx); err != nil {
			return err
		}
	}
	if w.current == nil {
		return fmt.Errorf("blockfile: ordered writer: write past end of blockfile")
	}
	w.current.delta.CopyTail(&ck)
	return nil
}

// Set writes value at (prefix, k). Keys across the whole writer session must
// be non-decreasing.
func (w *OrderedWriter) Set(ctx context.Context, prefix string, k key.Value, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := key.New(prefix, k)
	if err := w.advanceLocked(ctx, ck); err != nil {
		return err
	}
	w.current.delta.SkipIfNext(ck) // drop the unchanged copy of ck, if any, before writing the new value
	w.current.delta.Put(ck, value)
	w.lastKey = &ck
	return nil
}

// Delete removes (prefix, k), if its unchanged copy has not already been
// written past.
func (w *OrderedWriter) Delete(ctx context.Context, prefix string, k key.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := key.New(prefix, k)
	if err := w.advanceLocked(ctx, ck); err != nil {
		return err
	}
	w.current.delta.SkipIfNext(ck)
	w.lastKey = &ck
	return nil
}

// Commit finalizes every touched block, splits any that grew past the
// manager's size limit (the "commit-time second split pass"), passes
// through every untouched remaining block unchanged, and returns a Flusher
// for the resulting blocks and root manifest.
func (w *OrderedWriter) Commit() (*Flusher, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.finalizeCurrentLocked()

	var rows []sparseindex.Row
	for _, c := range w.completed {
		if c.block.SizeBytes() > w.root.MaxBlockSizeBytes && c.block.Len() >= 2 {
			left, right := splitBlock(c.block)
			leftBlock := w.manager.Commit(left)
			rightBlock := w.manager.Commit(right)
			w.pending[leftBlock.ID] = leftBlock
			w.pending[rightBlock.ID] = rightBlock
			delete(w.pending, c.block.ID)

			rightMin, _ := rightBlock.MinKey()
			rows = append(rows,
				sparseindex.Row{Delim: c.delim, BlockID: leftBlock.ID, Count: leftBlock.Len()},
				sparseindex.Row{Delim: sparseindex.Key(rightMin), BlockID: rightBlock.ID, Count: rightBlock.Len()},
			)
			continue
		}
		rows = append(rows, sparseindex.Row{Delim: c.delim, BlockID: c.block.ID, Count: c.block.Len()})
	}
	for _, r := range w.remaining {
		rows = append(rows, sparseindex.Row{Delim: r.delim, BlockID: r.id, Count: r.count})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("blockfile: ordered commit produced an empty blockfile")
	}

	w.root.Index = sparseindex.FromSnapshot(rows)
	if err := w.root.Index.IsValid(); err != nil {
		return nil, fmt.Errorf("blockfile: ordered commit produced invalid index: %w", err)
	}

	return &Flusher{manager: w.manager, root: w.root, pending: w.pending}, nil
}

// splitBlock divides an already-committed block into two fresh blocks at its
// median key, reusing BlockDelta.Split by replaying the block's entries
// into a throwaway Unordered delta.
func splitBlock(b *block.Block) (left, right *block.Delta) {
	seed := block.NewUnordered(b.KeyKind)
	for _, e := range b.Entries() {
		seed.Put(key.New(e.Prefix, e.Key), e.Value)
	}
	return seed.Split()
}
