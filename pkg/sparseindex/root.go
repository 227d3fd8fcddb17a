package sparseindex

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/key"
)

// CurrentVersion is the newest root manifest version this package writes.
// Readers must forward-migrate any older version they encounter (§4.C
// Migrations).
const CurrentVersion = 2

// Legacy version markers. V1 predates per-block counts; V1_1 introduced them
// but left pre-existing blocks uncounted until touched by a writer or an
// explicit migration sweep.
const (
	VersionV1   = 1
	VersionV1_1 = 2
)

// Root is the versioned manifest persisted at "{prefix}/root/{root_id}".
type Root struct {
	ID                uuid.UUID
	Version           int
	BlockfileID        uuid.UUID
	PrefixPath        string
	MaxBlockSizeBytes int
	KeyKind           key.Kind

	Index *SparseIndex
}

// wireRoot is the JSON-serializable shape of Root; the SparseIndex is
// flattened to a slice of wire delimiters since json can't reach entry's
// unexported fields directly.
type wireRoot struct {
	ID                uuid.UUID       `json:"id"`
	Version           int             `json:"version"`
	BlockfileID       uuid.UUID       `json:"blockfile_id"`
	PrefixPath        string          `json:"prefix_path"`
	MaxBlockSizeBytes int             `json:"max_block_size_bytes"`
	KeyKind           key.Kind        `json:"key_kind"`
	Entries           []wireDelimiter `json:"entries"`
}

type wireDelimiter struct {
	Start   bool    `json:"start,omitempty"`
	Prefix  string  `json:"prefix,omitempty"`
	KeyKind key.Kind `json:"key_kind,omitempty"`
	KeyStr  string  `json:"key_str,omitempty"`
	KeyBits uint64  `json:"key_bits,omitempty"`
	Block   uuid.UUID `json:"block"`
	Count   int     `json:"count"`
}

// Marshal serializes the root manifest, including a full snapshot of the
// sparse index, to JSON.
func (r *Root) Marshal() ([]byte, error) {
	r.Index.mu.Lock()
	defer r.Index.mu.Unlock()

	w := wireRoot{
		ID:                r.ID,
		Version:           r.Version,
		BlockfileID:       r.BlockfileID,
		PrefixPath:        r.PrefixPath,
		MaxBlockSizeBytes: r.MaxBlockSizeBytes,
		KeyKind:           r.KeyKind,
		Entries:           make([]wireDelimiter, len(r.Index.entries)),
	}
	for i, e := range r.Index.entries {
		wd := wireDelimiter{Block: e.block, Count: e.count}
		if e.delim.IsStart() {
			wd.Start = true
		} else {
			ck := e.delim.CompositeKey()
			wd.Prefix = ck.Prefix
			wd.KeyKind = ck.Key.Kind()
			if ck.Key.Kind() == key.KindString {
				wd.KeyStr = ck.Key.AsString()
			} else {
				wd.KeyBits = encodeWireBits(ck.Key)
			}
		}
		w.Entries[i] = wd
	}

	return json.Marshal(w)
}

func encodeWireBits(v key.Value) uint64 {
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

// UnmarshalRoot parses a root manifest previously produced by Marshal,
// raising an older Version to CurrentVersion. Per-block counts are taken as
// stored; zero counts are populated by a separate MigrateCounts call
// (§4.C Migrations).
func UnmarshalRoot(data []byte) (*Root, error) {
	var w wireRoot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("sparseindex: unmarshal root: %w", err)
	}
	if len(w.Entries) == 0 {
		return nil, fmt.Errorf("%w: root has no blocks", ErrInvariantViolation)
	}

	idx := &SparseIndex{entries: make([]entry, len(w.Entries))}
	for i, wd := range w.Entries {
		var d Delimiter
		if wd.Start {
			d = Start()
		} else {
			var kv key.Value
			switch wd.KeyKind {
			case key.KindString:
				kv = key.String(wd.KeyStr)
			case key.KindUint32:
				kv = key.Uint32(uint32(wd.KeyBits))
			case key.KindInt32:
				kv = key.Int32(int32(uint32(wd.KeyBits)))
			case key.KindFloat32:
				kv = key.Float32(math.Float32frombits(uint32(wd.KeyBits)))
			}
			d = Key(key.New(wd.Prefix, kv))
		}
		idx.entries[i] = entry{delim: d, block: wd.Block, count: wd.Count}
	}

	root := &Root{
		ID:                w.ID,
		Version:           w.Version,
		BlockfileID:       w.BlockfileID,
		PrefixPath:        w.PrefixPath,
		MaxBlockSizeBytes: w.MaxBlockSizeBytes,
		KeyKind:           w.KeyKind,
		Index:             idx,
	}

	if root.Version < CurrentVersion {
		root.Version = CurrentVersion // V1 -> V1.1/V1.2: counts are populated lazily by MigrateCounts
	}

	return root, nil
}

// MigrateCounts populates any zero per-block counts by fetching each
// referenced block's row count via getLen, satisfying the V1 -> V1.1
// migration described in §4.C. It is idempotent and safe to call on an
// already-migrated root.
func (r *Root) MigrateCounts(getLen func(uuid.UUID) (int, error)) error {
	r.Index.mu.Lock()
	defer r.Index.mu.Unlock()
	for i := range r.Index.entries {
		if r.Index.entries[i].count != 0 {
			continue
		}
		n, err := getLen(r.Index.entries[i].block)
		if err != nil {
			return fmt.Errorf("sparseindex: migrate counts for block %s: %w", r.Index.entries[i].block, err)
		}
		r.Index.entries[i].count = n
	}
	return nil
}
