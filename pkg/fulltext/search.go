package fulltext

import (
	"context"
	"fmt"
	"sort"

	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/key"
)

// posting is one (doc, positions) entry for a single token, loaded from the
// blockfile in ascending doc-id order (the blockfile's natural key order
// for a Uint32-keyed prefix scan).
type posting struct {
	DocID     uint32
	Positions []int
}

// loadPostings returns every (doc_id, positions) pair for token, in
// ascending doc_id order, via Reader.GetByPrefix (§4.D: "get_prefix(token_text)
// returns (doc_id, positions[]) tuples").
func loadPostings(ctx context.Context, r *blockfile.Reader, token string) ([]posting, error) {
	var out []posting
	var decodeErr error
	err := r.GetByPrefix(ctx, token, func(ck key.Composite, value []byte) bool {
		positions, derr := decodePositions(value)
		if derr != nil {
			decodeErr = derr
			return false
		}
		out = append(out, posting{DocID: ck.Key.AsUint32(), Positions: positions})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// Search tokenizes query the same way the index was built, fetches each
// token's posting list, and runs the positional-alignment walk of §4.D: an
// empty query returns an empty result; otherwise a doc_id is a match only if
// every query token occurs in it at byte offsets consistent with the
// query's own token spacing.
func (idx *Index) Search(ctx context.Context, r *blockfile.Reader, query string) ([]uint32, error) {
	qTokens := idx.tok.Tokenize(query)
	if len(qTokens) == 0 {
		return nil, nil
	}

	lists := make([][]posting, len(qTokens))
	for i, t := range qTokens {
		p, err := loadPostings(ctx, r, t.Text)
		if err != nil {
			return nil, fmt.Errorf("fulltext: search: load postings for %q: %w", t.Text, err)
		}
		lists[i] = p
	}

	return alignAndIntersect(qTokens, lists), nil
}

// alignAndIntersect implements the pointer-walk described in §4.D: advance a
// cursor per token list (sorted by doc_id); at each step, if every list's
// current doc_id agrees, check positional alignment using the query's own
// relative byte offsets; advance all cursors together whenever every doc_id
// agrees (whether or not the positions align), or only the cursors sitting
// on the minimum doc_id otherwise. Stops the moment any
// list is exhausted.
func alignAndIntersect(qTokens []Token, lists [][]posting) []uint32 {
	ptrs := make([]int, len(lists))
	var matches []uint32

	for {
		// Check exhaustion.
		done := false
		for i, l := range lists {
			if ptrs[i] >= len(l) {
				done = true
				break
			}
		}
		if done {
			break
		}

		cur := make([]uint32, len(lists))
		minDoc := lists[0][ptrs[0]].DocID
		for i, l := range lists {
			cur[i] = l[ptrs[i]].DocID
			if cur[i] < minDoc {
				minDoc = cur[i]
			}
		}

		allEqual := true
		for _, id := range cur {
			if id != minDoc {
				allEqual = false
				break
			}
		}

		if allEqual {
			if alignsAtOffsets(qTokens, lists, ptrs) {
				matches = append(matches, minDoc)
			}
			for i := range ptrs {
				ptrs[i]++
			}
			continue
		}

		for i, id := range cur {
			if id == minDoc {
				ptrs[i]++
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	return matches
}

// alignsAtOffsets checks the byte-offset alignment rule: take token 0's
// position set as the running set; for each subsequent token i, shift its
// positions by -(queryOffset_i - queryOffset_0) and intersect. Using byte
// offsets (not token indices) keeps multi-byte UTF-8 and trigram
// tokenization aligned correctly, per §4.D.
func alignsAtOffsets(qTokens []Token, lists [][]posting, ptrs []int) bool {
	base := qTokens[0].ByteOffset
	running := make(map[int]bool)
	for _, p := range lists[0][ptrs[0]].Positions {
		running[p] = true
	}

	for i := 1; i < len(qTokens); i++ {
		shift := qTokens[i].ByteOffset - base
		next := make(map[int]bool)
		for _, p := range lists[i][ptrs[i]].Positions {
			candidate := p - shift
			if running[candidate] {
				next[candidate] = true
			}
		}
		running = next
		if len(running) == 0 {
			return false
		}
	}
	return len(running) > 0
}
