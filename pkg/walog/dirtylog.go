package walog

import "sort"

// MarkerKind distinguishes the three marker shapes appended to the dirty
// log (§4.F): a collection got new data, a compactor finished collecting up
// to some offset, or a collection is explicitly forgettable (its dirty
// state alone should never block the compaction cursor from advancing).
type MarkerKind int

const (
	MarkDirty MarkerKind = iota
	MarkCollected
	MarkForgettable
)

// Marker is one append-only dirty-log entry.
type Marker struct {
	CollectionID string
	Kind         MarkerKind
	LogOffset    int64
}

// RollupEntry summarizes one collection's outstanding (not yet collected)
// dirty range after folding the whole marker history.
type RollupEntry struct {
	CollectionID string
	MinOffset    int64
	MaxOffset    int64

	// BlocksAdvance is false when every outstanding dirty mark for this
	// collection is Forgettable: the spec's advance_to operation (§4.F) must
	// not wait on a forgettable-only collection, since forgettable markers
	// exist precisely to let the cursor advance past activity nothing needs
	// compacted promptly (e.g. a collection that was touched and then
	// immediately deleted). Resolved per original_source's log-service
	// rollup behavior (see DESIGN.md).
	BlocksAdvance bool
}

type perCollectionState struct {
	collected        int64 // last offset confirmed collected; -1 if none yet
	dirtyMin         int64
	dirtyMax         int64
	hasDirty         bool
	hasNonForgetable bool
}

// Rollup coalesces a dirty log's full marker history into one entry per
// collection with outstanding (uncollected) activity, then classifies each
// entry as blocking or non-blocking for advance_to. This is a two-pass
// algorithm: pass one folds markers in append order into per-collection
// running state (coalesce); pass two turns that state into the final,
// sorted entry list (classify).
func Rollup(markers []Marker) []RollupEntry {
	state := make(map[string]*perCollectionState)

	// Pass 1: coalesce.
	for _, m := range markers {
		st, ok := state[m.CollectionID]
		if !ok {
			st = &perCollectionState{collected: -1}
			state[m.CollectionID] = st
		}

		switch m.Kind {
		case MarkCollected:
			if m.LogOffset > st.collected {
				st.collected = m.LogOffset
			}
			if st.hasDirty && st.dirtyMax <= st.collected {
				st.hasDirty = false
				st.hasNonForgetable = false
			}
		case MarkDirty, MarkForgettable:
			if !st.hasDirty || m.LogOffset < st.dirtyMin {
				st.dirtyMin = m.LogOffset
			}
			if !st.hasDirty || m.LogOffset > st.dirtyMax {
				st.dirtyMax = m.LogOffset
			}
			st.hasDirty = true
			if m.Kind == MarkDirty {
				st.hasNonForgetable = true
			}
		}
	}

	// Pass 2: classify.
	var out []RollupEntry
	for id, st := range state {
		if !st.hasDirty || st.dirtyMax <= st.collected {
			continue
		}
		min := st.dirtyMin
		if st.collected+1 > min {
			min = st.collected + 1
		}
		out = append(out, RollupEntry{
			CollectionID:  id,
			MinOffset:     min,
			MaxOffset:     st.dirtyMax,
			BlocksAdvance: st.hasNonForgetable,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CollectionID < out[j].CollectionID })
	return out
}

// CanAdvanceTo reports whether the compaction cursor may advance to offset
// target without waiting on any collection's outstanding dirty state: true
// unless some collection has a non-forgettable dirty range whose minimum
// offset is <= target.
func CanAdvanceTo(markers []Marker, target int64) bool {
	for _, e := range Rollup(markers) {
		if e.BlocksAdvance && e.MinOffset <= target {
			return false
		}
	}
	return true
}
