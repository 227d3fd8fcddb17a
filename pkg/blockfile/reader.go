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

// Reader is a read-only view over a persisted Root. Each Reader keeps its
// own block cache (distinct from the BlockManager's shared cache, per §4.C:
// "the reader caches blocks in a per-reader map") so a long-lived reader
// doesn't compete with the manager's cache eviction policy under concurrent
// scans.
type Reader struct {
	manager *block.Manager
	root    *sparseindex.Root

	mu    sync.Mutex
	cache map[uuid.UUID]*block.Block
}

func newReader(manager *block.Manager, root *sparseindex.Root) *Reader {
	return &Reader{manager: manager, root: root, cache: make(map[uuid.UUID]*block.Block)}
}

// Visit is called once per matching record during a range scan. Returning
// false stops the scan early.
type Visit func(k key.Composite, value []byte) bool

func (r *Reader) blockLocked(ctx context.Context, id uuid.UUID) (*block.Block, error) {
	if b, ok := r.cache[id]; ok {
		return b, nil
	}
	b, err := r.manager.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockUnavailable, err)
	}
	r.cache[id] = b
	return b, nil
}

// Get returns the value at (prefix, k), or ErrNotFound.
func (r *Reader) Get(ctx context.Context, prefix string, k key.Value) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ck := key.New(prefix, k)
	id := r.root.Index.GetTargetBlockID(ck)
	b, err := r.blockLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := b.Get(ck)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%v", ErrNotFound, prefix, k)
	}
	return v, nil
}

// Contains reports whether (prefix, k) is present, without distinguishing
// "absent" from any other outcome via an error.
func (r *Reader) Contains(ctx context.Context, prefix string, k key.Value) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ck := key.New(prefix, k)
	id := r.root.Index.GetTargetBlockID(ck)
	b, err := r.blockLocked(ctx, id)
	if err != nil {
		return false, err
	}
	_, ok := b.Get(ck)
	return ok, nil
}

// Count returns the total number of records in the blockfile, using the
// sparse index's per-block counts (no blocks need to be read).
func (r *Reader) Count() int {
	return r.root.Index.TotalCount()
}

// GetAtIndex returns the (key, value) pair at zero-based position i in the
// blockfile's global sorted order, using per-block counts to locate the
// owning block without scanning every preceding one.
func (r *Reader) GetAtIndex(ctx context.Context, i int) (key.Composite, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 {
		return key.Composite{}, nil, fmt.Errorf("blockfile: negative index %d", i)
	}

	offset := 0
	for _, bc := range r.root.Index.BlockCounts() {
		if i < offset+bc.Count {
			b, err := r.blockLocked(ctx, bc.BlockID)
			if err != nil {
				return key.Composite{}, nil, err
			}
			entries := b.Entries()
			pos := i - offset
			if pos >= len(entries) {
				return key.Composite{}, nil, fmt.Errorf("%w: index %d", ErrNotFound, i)
			}
			e := entries[pos]
			return key.New(e.Prefix, e.Key), e.Value, nil
		}
		offset += bc.Count
	}
	return key.Composite{}, nil, fmt.Errorf("%w: index %d out of range (count %d)", ErrNotFound, i, offset)
}

// GetGTE visits every record with composite key >= k, in ascending order.
func (r *Reader) GetGTE(ctx context.Context, k key.Composite, visit Visit) error {
	return r.scan(ctx, r.root.Index.BlockIDsGTE(k), k, true, true, visit)
}

// scan is the shared range-scan engine: it walks the candidate block ids in
// order, filtering each block's entries against the given bound (the block
// list from SparseIndex is already a superset; blocks at the edges may hold
// a few out-of-range keys that must be filtered here).
func (r *Reader) scan(ctx context.Context, blockIDs []uuid.UUID, bound key.Composite, lower, inclusive bool, visit Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range blockIDs {
		b, err := r.blockLocked(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range b.Entries() {
			ck := key.New(e.Prefix, e.Key)
			if !passesBound(ck, bound, lower, inclusive) {
				continue
			}
			if !visit(ck, e.Value) {
				return nil
			}
		}
	}
	return nil
}

func passesBound(ck, bound key.Composite, lower, inclusive bool) bool {
	c := ck.Compare(bound)
	if lower {
		if inclusive {
			return c >= 0
		}
		return c > 0
	}
	if inclusive {
		return c <= 0
	}
	return c < 0
}

// GetGT visits every record with composite key > k, in ascending order.
func (r *Reader) GetGT(ctx context.Context, k key.Composite, visit Visit) error {
	return r.scan(ctx, r.root.Index.BlockIDsGT(k), k, true, false, visit)
}

// GetLTE visits every record with composite key <= k, in ascending order.
func (r *Reader) GetLTE(ctx context.Context, k key.Composite, visit Visit) error {
	return r.scan(ctx, r.root.Index.BlockIDsLTE(k), k, false, true, visit)
}

// GetLT visits every record with composite key < k, in ascending order.
func (r *Reader) GetLT(ctx context.Context, k key.Composite, visit Visit) error {
	return r.scan(ctx, r.root.Index.BlockIDsLT(k), k, false, false, visit)
}

// GetByPrefix visits every record whose Prefix exactly equals prefix, in
// ascending key order. It seeds the scan at the block containing the
// smallest possible key under prefix and stops the first time it sees a
// larger prefix, since blocks are sorted prefix-major.
func (r *Reader) GetByPrefix(ctx context.Context, prefix string, visit Visit) error {
	low := key.New(prefix, key.MinValue(r.root.KeyKind))
	ids := r.root.Index.BlockIDsGTE(low)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		b, err := r.blockLocked(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range b.Entries() {
			switch {
			case e.Prefix < prefix:
				continue
			case e.Prefix > prefix:
				return nil
			default:
				if !visit(key.New(e.Prefix, e.Key), e.Value) {
					return nil
				}
			}
		}
	}
	return nil
}

// LoadBlocksForPrefixes warms the reader's cache with every block that might
// contain a key under any of the given prefixes, in one pass, so a
// subsequent batch of GetByPrefix calls does not fetch the same block twice
// across separate cold-cache round trips.
func (r *Reader) LoadBlocksForPrefixes(ctx context.Context, prefixes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	for _, p := range prefixes {
		low := key.New(p, key.MinValue(r.root.KeyKind))
		for _, id := range r.root.Index.BlockIDsGTE(low) {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := r.blockLocked(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}
