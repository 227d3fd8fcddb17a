package block

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/key"
)

// Delta is a mutable, in-memory builder for a prospective Block. It comes in
// two flavors per §3 of the spec:
//
//   - Unordered: accepts arbitrary-order Put/Delete; if forked from an
//     existing block, the block's full contents are materialized into the
//     delta immediately.
//   - Ordered: forked from an existing block, but defers copying the
//     block's unchanged tail until CopyTail is called (on hitting the
//     delta's assigned end-key, or at commit) — this lets an ordered writer
//     rewrite a blockfile in one forward pass without reading every block.
type Delta struct {
	ID      uuid.UUID
	KeyKind key.Kind
	Ordered bool

	base    *Block
	baseIdx int // next unread index into base.entries, for Ordered tail copy

	// unordered accumulates by key so later Put/Delete wins and duplicates
	// collapse; ordered accumulates append-only since callers guarantee
	// non-decreasing key order.
	unordered map[string]*Entry
	ordered   []Entry
}

// NewUnordered creates a fresh Unordered delta with a new block ID.
func NewUnordered(kind key.Kind) *Delta {
	return &Delta{
		ID:        uuid.New(),
		KeyKind:   kind,
		unordered: make(map[string]*Entry),
	}
}

// ForkUnordered creates an Unordered delta that starts out holding a full
// copy of base's entries, with a freshly allocated ID (content addressing:
// a fork gets a new identity immediately, even before any mutation).
func ForkUnordered(base *Block) *Delta {
	d := &Delta{
		ID:        uuid.New(),
		KeyKind:   base.KeyKind,
		unordered: make(map[string]*Entry, len(base.entries)),
	}
	for i := range base.entries {
		e := base.entries[i]
		d.unordered[encodeMapKey(e.composite())] = &e
	}
	return d
}

// ForkOrdered creates an Ordered delta referencing base for deferred tail
// copying. No entries are copied yet.
func ForkOrdered(base *Block) *Delta {
	return &Delta{
		ID:      uuid.New(),
		KeyKind: base.KeyKind,
		Ordered: true,
		base:    base,
	}
}

// NewOrdered creates a fresh Ordered delta with no base block (used when the
// ordered writer starts past the end of the last remaining block).
func NewOrdered(kind key.Kind) *Delta {
	return &Delta{ID: uuid.New(), KeyKind: kind, Ordered: true}
}

func encodeMapKey(ck key.Composite) string {
	// A composite key already totally orders by (Prefix, Key); string-encode
	// it for map lookups using the same discriminating fields. Values of
	// different kinds never coexist in one delta (fixed KeyKind per block).
	switch ck.Key.Kind() {
	case key.KindString:
		return ck.Prefix + "\x00s" + ck.Key.AsString()
	default:
		return fmt.Sprintf("%s\x00%d\x00%d", ck.Prefix, ck.Key.Kind(), rawBits(ck.Key))
	}
}

func rawBits(v key.Value) uint64 {
	switch v.Kind() {
	case key.KindUint32:
		return uint64(v.AsUint32())
	case key.KindInt32:
		return uint64(uint32(v.AsInt32()))
	case key.KindFloat32:
		return uint64(math.Float32bits(v.AsFloat32()))
	default:
		return 0
	}
}

// Put inserts or overwrites value at ck.
func (d *Delta) Put(ck key.Composite, value []byte) {
	e := Entry{Prefix: ck.Prefix, Key: ck.Key, Value: value}
	if d.Ordered {
		d.ordered = append(d.ordered, e)
		return
	}
	d.unordered[encodeMapKey(ck)] = &e
}

// Delete removes ck. For an Unordered delta (which always holds the full
// materialized content), this simply removes the map entry. An Ordered
// delta cannot un-write an already-appended key; deletion there is
// expressed as the writer simply never copying/writing that key — see
// pkg/blockfile's ordered writer.
func (d *Delta) Delete(ck key.Composite) {
	if d.Ordered {
		return
	}
	delete(d.unordered, encodeMapKey(ck))
}

// Has reports whether ck currently has a value staged in an Unordered delta.
func (d *Delta) Has(ck key.Composite) bool {
	if d.Ordered {
		return false
	}
	_, ok := d.unordered[encodeMapKey(ck)]
	return ok
}

// CopyTail copies base's remaining (not-yet-copied) entries into the ordered
// accumulation, stopping before the first entry whose key is >= through (or
// copying everything remaining if through is nil). Valid only for an Ordered
// delta created via ForkOrdered.
func (d *Delta) CopyTail(through *key.Composite) {
	if !d.Ordered || d.base == nil {
		return
	}
	entries := d.base.entries
	for d.baseIdx < len(entries) {
		e := entries[d.baseIdx]
		if through != nil && !e.composite().Less(*through) {
			break
		}
		d.ordered = append(d.ordered, e)
		d.baseIdx++
	}
}

// SkipIfNext advances past the next not-yet-copied base entry without
// appending it, if that entry's key equals ck. It reports whether an entry
// was skipped. Valid only for an Ordered delta created via ForkOrdered; this
// is how an ordered rewrite expresses "delete this key" without being able
// to un-append an already-written entry.
func (d *Delta) SkipIfNext(ck key.Composite) bool {
	if !d.Ordered || d.base == nil || d.baseIdx >= len(d.base.entries) {
		return false
	}
	if d.base.entries[d.baseIdx].composite().Compare(ck) == 0 {
		d.baseIdx++
		return true
	}
	return false
}

// Len reports the number of records currently staged (materialized content
// for Unordered, accumulated-so-far for Ordered).
func (d *Delta) Len() int {
	if d.Ordered {
		return len(d.ordered)
	}
	return len(d.unordered)
}

// IsEmpty reports whether the delta would produce a block with zero records.
func (d *Delta) IsEmpty() bool { return d.Len() == 0 }

// SizeBytes estimates the serialized size of the block this delta would
// produce, without building it. Values are counted at their uncompressed
// length; encodeBlock stores them zstd-compressed, so the encoded block's
// size differs. Used to decide whether a split is needed.
func (d *Delta) SizeBytes() int {
	size := len(blockMagic) + 4 + 16 + 1 + 4 + 4 // header + trailing crc
	for _, e := range d.Entries() {
		size += 4 + len(e.Prefix) + keyValueSize(e.Key) + 4 + len(e.Value)
	}
	return size
}

func keyValueSize(v key.Value) int {
	if v.Kind() == key.KindString {
		return 4 + len(v.AsString())
	}
	return 4
}

// Entries returns the delta's staged records in sorted composite-key order.
// For an Ordered delta this assumes the caller has already supplied entries
// in non-decreasing order (including any CopyTail calls interleaved
// correctly) and only defensively sorts; for an Unordered delta, sorting is
// always required since Put/Delete may arrive in any order.
func (d *Delta) Entries() []Entry {
	if d.Ordered {
		out := make([]Entry, len(d.ordered))
		copy(out, d.ordered)
		sort.Slice(out, func(i, j int) bool { return out[i].composite().Less(out[j].composite()) })
		return out
	}

	out := make([]Entry, 0, len(d.unordered))
	for _, e := range d.unordered {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].composite().Less(out[j].composite()) })
	return out
}

// Commit finalizes the delta into an immutable Block, retaining the delta's
// ID as the block's content-addressed ID.
func (d *Delta) Commit() *Block {
	return &Block{ID: d.ID, KeyKind: d.KeyKind, entries: d.Entries()}
}

// Split divides the delta's materialized entries at the median key into two
// fresh Unordered deltas, each with a newly allocated ID. The spec requires
// both halves be non-empty; callers must not call Split on a delta with
// fewer than 2 entries.
func (d *Delta) Split() (left, right *Delta) {
	entries := d.Entries()
	if len(entries) < 2 {
		panic("block: Split requires at least 2 entries")
	}
	mid := len(entries) / 2

	left = NewUnordered(d.KeyKind)
	for _, e := range entries[:mid] {
		left.Put(e.composite(), e.Value)
	}
	right = NewUnordered(d.KeyKind)
	for _, e := range entries[mid:] {
		right.Put(e.composite(), e.Value)
	}
	return left, right
}
