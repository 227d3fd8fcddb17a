package spann

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/hnsw"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/sparseindex"
)

// ErrDimMismatch indicates an embedding's length doesn't match cfg.Dim.
var ErrDimMismatch = errors.New("spann: embedding dimension mismatch")

// Index is the composed SPANN partitioned index of §4.E: an hnsw.Graph over
// head centroids, a postingStore of per-head member lists backed by a
// blockfile, and a VersionsMap for tombstoning. The documented lock order is
// posting-list -> versions-map -> hnsw (§4.E Concurrency); Index.mu is an
// index-level lock held only around head-id allocation and writer/root
// bookkeeping, strictly outside that chain.
type Index struct {
	cfg      Config
	graph    *hnsw.Graph
	posting  *postingStore
	versions *VersionsMap
	bf       *blockfile.Blockfile

	mu       sync.Mutex
	writer   *blockfile.UnorderedWriter
	reader   *blockfile.Reader
	nextHead uint32
}

// New opens an Index over bf. A nil root creates a fresh, empty posting-list
// blockfile; a non-nil root resumes one previously flushed by Flush.
func New(ctx context.Context, bf *blockfile.Blockfile, root *sparseindex.Root, cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()

	idx := &Index{
		cfg:      cfg,
		graph:    hnsw.New(hnsw.Config{Dim: cfg.Dim, Distance: cfg.Distance}),
		versions: NewVersionsMap(),
		bf:       bf,
	}

	if root == nil {
		w, err := bf.Create(ctx, key.KindUint32)
		if err != nil {
			return nil, fmt.Errorf("spann: create posting-list blockfile: %w", err)
		}
		idx.writer = w
	} else {
		idx.reader = bf.OpenReader(root)
		idx.writer = bf.OpenWriterFromRoot(root)
	}

	idx.posting = newPostingStore(cfg.Dim, func() *blockfile.Reader {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return idx.reader
	})
	return idx, nil
}

// normalize returns v L2-normalized if cfg.Cosine, else v unchanged.
func (idx *Index) normalize(v []float32) []float32 {
	if !idx.cfg.Cosine {
		return v
	}
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func (idx *Index) allocHeadID() uint32 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nextHead++
	return idx.nextHead
}

// Add inserts a brand-new document id with the given embedding (§4.E Add):
// assign version 1, RNG-query the head graph for a target, allocate a fresh
// head (posting list created before the HNSW node, so a reader can never
// observe a head id with no backing posting list) if the graph is empty or
// RNG pruning leaves no candidate, else append to every returned head.
func (idx *Index) Add(ctx context.Context, id uint32, embedding []float32) error {
	if len(embedding) != idx.cfg.Dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimMismatch, len(embedding), idx.cfg.Dim)
	}
	embedding = idx.normalize(embedding)
	version := idx.versions.SetInitial(id)

	results := RNGQuery(idx.graph, embedding, idx.cfg)
	if len(results) == 0 {
		head := idx.allocHeadID()
		p := &PostingList{}
		p.Append(id, version, embedding)
		idx.posting.put(head, p)
		return idx.graph.Add(head, embedding)
	}

	for _, r := range results {
		if err := idx.appendToHead(ctx, r.HeadID, id, version, embedding); err != nil {
			return err
		}
	}
	return nil
}

// appendToHead loads head's posting list, appends the entry, compacts
// tombstones, and splits it via 2-means if the compacted size exceeds
// cfg.SplitThreshold (§4.E Append).
func (idx *Index) appendToHead(ctx context.Context, head uint32, id, version uint32, embedding []float32) error {
	p, err := idx.posting.load(ctx, head)
	if err != nil {
		return err
	}
	p.Append(id, version, embedding)
	p.CompactTombstones(idx.versions, idx.cfg.Dim)
	idx.posting.put(head, p)

	if p.Len() <= idx.cfg.SplitThreshold {
		return nil
	}
	return idx.split(ctx, head, p)
}

// split divides an oversized posting list into two via 2-means (§4.E
// Append). On ErrKMeansCollapsed it silently skips the split, keeping the
// oversized posting list — the recoverable-error resolution recorded in
// DESIGN.md for the corresponding Open Question in §9.
func (idx *Index) split(ctx context.Context, head uint32, p *PostingList) error {
	points := make([][]float32, p.Len())
	for i := 0; i < p.Len(); i++ {
		points[i] = p.Embedding(i, idx.cfg.Dim)
	}

	rng := rand.New(rand.NewSource(int64(head)*2654435761 + 1))
	result, err := twoMeans(points, idx.cfg.Dim, idx.cfg.Distance, rng, idx.cfg.NumSamplesForKMeans)
	if err != nil {
		if errors.Is(err, ErrKMeansCollapsed) {
			return nil
		}
		return fmt.Errorf("spann: split head %d: %w", head, err)
	}

	clusterA := &PostingList{}
	clusterB := &PostingList{}
	for i, cl := range result.Assignment {
		dst := clusterA
		if cl == 1 {
			dst = clusterB
		}
		dst.Append(p.DocOffsetIDs[i], p.DocVersions[i], p.Embedding(i, idx.cfg.Dim))
	}

	// Reuse the old head id for whichever cluster's centroid matches the old
	// head's centroid closely (within 1e-6), allocating a fresh id for the
	// other; if neither matches, allocate fresh ids for both clusters and
	// remove the old head entirely.
	oldCentroid, hadCentroid := idx.graph.Get(head)
	reuseA := hadCentroid && idx.cfg.Distance(oldCentroid, result.Centroids[0]) < 1e-6
	reuseB := hadCentroid && !reuseA && idx.cfg.Distance(oldCentroid, result.Centroids[1]) < 1e-6

	var headA, headB uint32
	if reuseA {
		headA = head
	} else {
		headA = idx.allocHeadID()
	}
	if reuseB {
		headB = head
	} else {
		headB = idx.allocHeadID()
	}

	idx.posting.put(headA, clusterA)
	idx.posting.put(headB, clusterB)
	if !reuseA && !reuseB {
		idx.posting.delete(head)
		if err := idx.graph.Delete(head); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
			return err
		}
	}

	if err := idx.graph.Add(headA, result.Centroids[0]); err != nil {
		return err
	}
	if err := idx.graph.Add(headB, result.Centroids[1]); err != nil {
		return err
	}

	return idx.collectAndReassign(ctx, []uint32{headA, headB}, [][]float32{result.Centroids[0], result.Centroids[1]}, oldCentroid)
}

// collectAndReassign scans the ReassignNeighborCount nearest heads to each
// new centroid and re-runs RNGQuery for every still-live member of those
// neighbors whose current assignment (per an "is this head still a valid
// RNG target" check) no longer includes the centroid that just moved or
// split away from it (§4.E, the post-split neighbor propagation step).
func (idx *Index) collectAndReassign(ctx context.Context, newHeads []uint32, newCentroids [][]float32, oldCentroid []float32) error {
	seen := roaring.New()
	for _, c := range newCentroids {
		for _, r := range idx.graph.Query(c, idx.cfg.ReassignNeighborCount) {
			if containsHeadID(newHeads, r.ID) || seen.Contains(r.ID) {
				continue
			}
			seen.Add(r.ID)

			p, err := idx.posting.load(ctx, r.ID)
			if err != nil {
				return err
			}
			ids := append([]uint32(nil), p.DocOffsetIDs...)
			versions := append([]uint32(nil), p.DocVersions...)
			for i, id := range ids {
				emb := p.Embedding(i, idx.cfg.Dim)
				if err := idx.Reassign(ctx, id, versions[i], emb, r.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func containsHeadID(ids []uint32, id uint32) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Reassign re-evaluates doc id's head membership after a nearby split or
// move (§4.E Reassign). It aborts as a no-op if version is outdated relative
// to the versions map (superseded by a later write). If prevHead still
// appears among the RNG results, nothing changes; otherwise the version is
// bumped and the doc is appended to every returned head.
func (idx *Index) Reassign(ctx context.Context, id, version uint32, embedding []float32, prevHead uint32) error {
	if idx.versions.IsOutdated(id, version) {
		return nil
	}

	results := RNGQuery(idx.graph, embedding, idx.cfg)
	if containsHead(results, prevHead) {
		return nil
	}

	newVersion := idx.versions.Bump(id)
	for _, r := range results {
		if err := idx.appendToHead(ctx, r.HeadID, id, newVersion, embedding); err != nil {
			return err
		}
	}
	return nil
}

// Delete tombstones id (version -> 0); its posting-list entries are dropped
// lazily on the next CompactTombstones pass over their owning heads.
func (idx *Index) Delete(id uint32) {
	idx.versions.Delete(id)
}

// SearchResult is one Search hit.
type SearchResult struct {
	ID       uint32
	Distance float32
}

// Search runs RNGQuery to find candidate heads, loads their posting lists,
// and returns the k closest live members by embedding distance (§4.E
// Search). A member is live iff its stored version matches the versions map
// (invariant 1); stale entries encountered mid-scan are skipped rather than
// causing an error.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != idx.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimMismatch, len(query), idx.cfg.Dim)
	}
	query = idx.normalize(query)

	heads := RNGQuery(idx.graph, query, idx.cfg)
	var candidates []SearchResult
	seen := make(map[uint32]bool)
	for _, h := range heads {
		p, err := idx.posting.load(ctx, h.HeadID)
		if err != nil {
			return nil, err
		}
		for i, id := range p.DocOffsetIDs {
			if seen[id] || !idx.versions.IsLive(id, p.DocVersions[i]) {
				continue
			}
			seen[id] = true
			d := idx.cfg.Distance(query, p.Embedding(i, idx.cfg.Dim))
			candidates = append(candidates, SearchResult{ID: id, Distance: d})
		}
	}

	sortSearchResults(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func sortSearchResults(rs []SearchResult) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Distance < rs[j-1].Distance; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// Flush persists the posting-list blockfile's dirty heads and advances the
// Index's reader/writer to the newly committed root, returning it for the
// caller to record alongside the HNSW/versions snapshot (neither of which
// has its own durable form yet — see DESIGN.md's Open Question on SPANN
// checkpointing).
func (idx *Index) Flush(ctx context.Context) (*sparseindex.Root, error) {
	idx.mu.Lock()
	writer := idx.writer
	idx.mu.Unlock()

	if err := idx.posting.flush(ctx, writer); err != nil {
		return nil, err
	}
	flusher, err := writer.Commit()
	if err != nil {
		return nil, fmt.Errorf("spann: flush commit: %w", err)
	}
	root, err := flusher.Flush(ctx, idx.bf)
	if err != nil {
		return nil, fmt.Errorf("spann: flush: %w", err)
	}

	idx.mu.Lock()
	idx.reader = idx.bf.OpenReader(root)
	idx.writer = idx.bf.OpenWriterFromRoot(root)
	idx.mu.Unlock()
	return root, nil
}
