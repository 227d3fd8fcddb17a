// Package fulltext implements the n-gram tokenized posting-list index of
// §4.D: a mutation API (Create/Update/Delete) that emits token-instance
// tuples into per-batch buffers, a k-way merge that writes the net result
// into a pkg/blockfile-backed store, and a positional-alignment search.
//
// Grounded on original_source/rust/blockstore/src/arrow/blockfile.rs for
// "store posting lists in a blockfile" and on the teacher's pkg/mddb
// reindex pipeline (internal/store/reindex.go-equivalent batch-then-commit
// shape: mutations accumulate, then a single pass materializes them) for
// the buffer/merge structure.
package fulltext

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/key"
)

// tuple is one emitted (token, doc, maybe-offset) instance, per §4.D: Create
// emits one per token occurrence with an offset; Delete emits one per
// distinct token in the old document with no offset.
type tuple struct {
	Token   string
	DocID   uint32
	Offset  int
	IsWrite bool // true: this tuple carries a real offset; false: a delete signal
}

// Op is one Create/Update/Delete mutation record.
type Op struct {
	Kind OpKind
	// DocID identifies the document. Create/Delete use it directly;
	// Update treats it as the document being replaced in place.
	DocID uint32
	// Old is the previous document body (Update, Delete). Ignored for Create.
	Old string
	// New is the document body being inserted (Create, Update). Ignored for
	// Delete.
	New string
}

// OpKind discriminates the three mutation kinds.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

// Index implements the mutation API and positional search of §4.D. It holds
// no blockfile reference itself: WriteToBlockfiles and Search both take the
// writer/reader they operate against explicitly, since a single Index's
// staged buffers may be flushed through a writer forked from any root.
type Index struct {
	tok     *Tokenizer
	buffers [][]tuple
}

// NewIndex constructs an Index using tok to tokenize documents and queries.
// The backing blockfile's key kind must be KindUint32: posting-list keys are
// (token_text, doc_offset_id).
func NewIndex(tok *Tokenizer) *Index {
	return &Index{tok: tok}
}

// ApplyBatch tokenizes a batch of mutation Ops into tuples per §4.D's
// Create/Update/Delete rules and stages them in a new sorted buffer. Staged
// tuples are not visible to Search until WriteToBlockfiles runs.
func (idx *Index) ApplyBatch(ops []Op) {
	var buf []tuple
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			for _, t := range idx.tok.Tokenize(op.New) {
				buf = append(buf, tuple{Token: t.Text, DocID: op.DocID, Offset: t.ByteOffset, IsWrite: true})
			}
		case OpDelete:
			for text := range idx.tok.distinctTexts(op.Old) {
				buf = append(buf, tuple{Token: text, DocID: op.DocID, IsWrite: false})
			}
		case OpUpdate:
			if op.Old == op.New {
				continue
			}
			oldTokens := idx.tok.distinctTexts(op.Old)
			newTokens := idx.tok.Tokenize(op.New)
			newTextSet := make(map[string]bool, len(newTokens))
			for _, t := range newTokens {
				newTextSet[t.Text] = true
			}
			for text := range oldTokens {
				if !newTextSet[text] {
					buf = append(buf, tuple{Token: text, DocID: op.DocID, IsWrite: false})
				}
			}
			for _, t := range newTokens {
				if oldTokens[t.Text] {
					continue // present in both: duplicate instances across old/new are not deleted
				}
				buf = append(buf, tuple{Token: t.Text, DocID: op.DocID, Offset: t.ByteOffset, IsWrite: true})
			}
		}
	}

	sort.Slice(buf, func(i, j int) bool { return lessTuple(buf[i], buf[j]) })
	idx.buffers = append(idx.buffers, buf)
}

func lessTuple(a, b tuple) bool {
	if a.Token != b.Token {
		return a.Token < b.Token
	}
	return a.DocID < b.DocID
}

// WriteToBlockfiles k-way merges every staged buffer by (token, doc_id) key
// and writes the net result into w: a group with at least one Create-style
// tuple writes the union of its offsets; a pure-delete group issues a
// blockfile delete. Buffers are cleared on success.
func (idx *Index) WriteToBlockfiles(ctx context.Context, w *blockfile.UnorderedWriter) error {
	type groupKey struct {
		token string
		docID uint32
	}
	groups := make(map[groupKey][]int) // nil/empty slice with hasWrite=false handled via a second map
	hasWrite := make(map[groupKey]bool)
	order := make([]groupKey, 0)

	for _, buf := range idx.buffers {
		for _, t := range buf {
			gk := groupKey{t.Token, t.DocID}
			if _, seen := hasWrite[gk]; !seen {
				order = append(order, gk)
			}
			if t.IsWrite {
				groups[gk] = append(groups[gk], t.Offset)
				hasWrite[gk] = true
			} else if _, seen := hasWrite[gk]; !seen {
				hasWrite[gk] = false
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].token != order[j].token {
			return order[i].token < order[j].token
		}
		return order[i].docID < order[j].docID
	})

	for _, gk := range order {
		ck := key.Uint32(gk.docID)
		if hasWrite[gk] {
			offsets := groups[gk]
			sort.Ints(offsets)
			if err := w.Set(ctx, gk.token, ck, encodePositions(offsets)); err != nil {
				return fmt.Errorf("fulltext: write %q/%d: %w", gk.token, gk.docID, err)
			}
			continue
		}
		if err := w.Delete(ctx, gk.token, ck); err != nil {
			return fmt.Errorf("fulltext: delete %q/%d: %w", gk.token, gk.docID, err)
		}
	}

	idx.buffers = nil
	return nil
}

// encodePositions serializes a sorted list of byte offsets as a varint count
// followed by delta-varint-encoded offsets.
func encodePositions(offsets []int) []byte {
	buf := make([]byte, 0, 4+len(offsets)*2)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(offsets)))
	buf = append(buf, tmp[:n]...)
	prev := 0
	for _, off := range offsets {
		n := binary.PutUvarint(tmp[:], uint64(off-prev))
		buf = append(buf, tmp[:n]...)
		prev = off
	}
	return buf
}

func decodePositions(data []byte) ([]int, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("fulltext: decode positions: bad count")
	}
	data = data[n:]
	out := make([]int, 0, count)
	prev := 0
	for i := uint64(0); i < count; i++ {
		delta, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("fulltext: decode positions: truncated")
		}
		data = data[n:]
		prev += int(delta)
		out = append(out, prev)
	}
	return out, nil
}
