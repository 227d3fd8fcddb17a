package spann

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/key"
)

// PostingList is the SPANN posting-list record of §3: a parallel-array set
// of members owned by one centroid head, embeddings stored row-major at a
// fixed per-index dimensionality.
type PostingList struct {
	DocOffsetIDs  []uint32
	DocVersions   []uint32
	DocEmbeddings []float32 // len == len(DocOffsetIDs) * dim
}

// Len returns the number of member entries.
func (p *PostingList) Len() int { return len(p.DocOffsetIDs) }

// Embedding returns the i-th member's embedding slice (shares backing
// storage; callers must not retain it past the next mutation).
func (p *PostingList) Embedding(i, dim int) []float32 {
	return p.DocEmbeddings[i*dim : (i+1)*dim]
}

// Append adds one member to the end of the posting list.
func (p *PostingList) Append(id, version uint32, embedding []float32) {
	p.DocOffsetIDs = append(p.DocOffsetIDs, id)
	p.DocVersions = append(p.DocVersions, version)
	p.DocEmbeddings = append(p.DocEmbeddings, embedding...)
}

// CompactTombstones rewrites p in place, keeping only entries that are live
// per versions (§4.E Append: "an entry is kept iff versions_map[id] >=
// version and versions_map[id] != 0"). Returns the number of entries kept.
func (p *PostingList) CompactTombstones(versions *VersionsMap, dim int) int {
	ids := p.DocOffsetIDs[:0]
	vers := p.DocVersions[:0]
	embs := make([]float32, 0, len(p.DocEmbeddings))

	for i, id := range p.DocOffsetIDs {
		ver := p.DocVersions[i]
		cur := versions.Get(id)
		if cur != 0 && cur >= ver {
			ids = append(ids, id)
			vers = append(vers, ver)
			embs = append(embs, p.DocEmbeddings[i*dim:(i+1)*dim]...)
		}
	}
	p.DocOffsetIDs = ids
	p.DocVersions = vers
	p.DocEmbeddings = embs
	return len(ids)
}

// encodePostingList serializes a posting list as:
//
//	count(u32) dim(u32)
//	count x id(u32)
//	count x version(u32)
//	count*dim x float32 (row-major, little-endian bits)
func encodePostingList(p *PostingList, dim int) []byte {
	n := len(p.DocOffsetIDs)
	buf := make([]byte, 8+n*4+n*4+n*dim*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))
	off := 8
	for _, id := range p.DocOffsetIDs {
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
		off += 4
	}
	for _, v := range p.DocVersions {
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
		off += 4
	}
	for _, f := range p.DocEmbeddings {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(f))
		off += 4
	}
	return buf
}

func decodePostingList(data []byte) (*PostingList, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("spann: posting list: truncated header")
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	dim := int(binary.LittleEndian.Uint32(data[4:8]))
	want := 8 + n*4 + n*4 + n*dim*4
	if len(data) != want {
		return nil, 0, fmt.Errorf("spann: posting list: length mismatch, got %d want %d", len(data), want)
	}
	off := 8
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	vers := make([]uint32, n)
	for i := range vers {
		vers[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	embs := make([]float32, n*dim)
	for i := range embs {
		embs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return &PostingList{DocOffsetIDs: ids, DocVersions: vers, DocEmbeddings: embs}, dim, nil
}

const postingListPrefix = "head"

// postingStore is the read-through/write-back cache over a blockfile that
// holds every head's posting list, mirroring pkg/block.Manager's
// cache-then-fetch shape. Mutations happen
// in memory under mu (the spec's single cross-await posting-list
// mutex, §4.E Concurrency); Flush persists the dirty set in one blockfile
// commit, matching the Block/BlockManager Commit/Flush split at the
// whole-index level.
type postingStore struct {
	dim int

	mu    sync.Mutex
	cache map[uint32]*PostingList
	dirty map[uint32]bool
	root  *sparseRootHolder
}

// sparseRootHolder indirects the current root so postingStore can be handed
// a pointer that the owning Index updates after each Flush, without
// postingStore needing to import the Index type.
type sparseRootHolder struct {
	get func() *blockfile.Reader
}

func newPostingStore(dim int, readerOf func() *blockfile.Reader) *postingStore {
	return &postingStore{
		dim:   dim,
		cache: make(map[uint32]*PostingList),
		dirty: make(map[uint32]bool),
		root:  &sparseRootHolder{get: readerOf},
	}
}

// load returns head's posting list, reading through the cache to the
// backing blockfile. A never-seen head (no posting list yet) returns an
// empty, non-nil list rather than an error — callers distinguish "exists"
// via the HNSW graph (invariant 2), not via this store.
func (s *postingStore) load(ctx context.Context, head uint32) (*PostingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[head]; ok {
		return p, nil
	}

	reader := s.root.get()
	if reader == nil {
		p := &PostingList{}
		s.cache[head] = p
		return p, nil
	}

	data, err := reader.Get(ctx, postingListPrefix, key.Uint32(head))
	if err != nil {
		p := &PostingList{}
		s.cache[head] = p
		return p, nil
	}
	p, _, err := decodePostingList(data)
	if err != nil {
		return nil, fmt.Errorf("spann: load posting list %d: %w", head, err)
	}
	s.cache[head] = p
	return p, nil
}

// put replaces head's cached posting list and marks it dirty.
func (s *postingStore) put(head uint32, p *PostingList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[head] = p
	s.dirty[head] = true
}

// delete removes head's posting list entirely (used when a split empties
// the old head and neither new cluster reuses its id).
func (s *postingStore) delete(head uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, head)
	s.dirty[head] = true
}

// flush writes every dirty head's current cached state (or a tombstone
// delete for heads removed via delete) into w; callers then commit and
// flush w the same way any other blockfile writer session is persisted.
func (s *postingStore) flush(ctx context.Context, w *blockfile.UnorderedWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for head := range s.dirty {
		p, stillCached := s.cache[head]
		if !stillCached {
			if err := w.Delete(ctx, postingListPrefix, key.Uint32(head)); err != nil {
				return fmt.Errorf("spann: flush delete head %d: %w", head, err)
			}
			continue
		}
		if err := w.Set(ctx, postingListPrefix, key.Uint32(head), encodePostingList(p, s.dim)); err != nil {
			return fmt.Errorf("spann: flush head %d: %w", head, err)
		}
	}
	s.dirty = make(map[uint32]bool)
	return nil
}
