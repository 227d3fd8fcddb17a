package sparseindex_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/sparseindex"
)

func TestRootMarshalUnmarshalRoundTrip(t *testing.T) {
	idx := sparseindex.New(uuid.New())
	idx.AddBlock(key.New("trigram", key.Uint32(7)), uuid.New())
	_ = idx.SetCount(idx.BlockIDs()[0], 3)

	root := &sparseindex.Root{
		ID:                uuid.New(),
		Version:           sparseindex.CurrentVersion,
		BlockfileID:       uuid.New(),
		PrefixPath:        "blocks",
		MaxBlockSizeBytes: 1 << 20,
		KeyKind:           key.KindUint32,
		Index:             idx,
	}

	data, err := root.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := sparseindex.UnmarshalRoot(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index.Len() != 2 {
		t.Fatalf("got %d blocks, want 2", got.Index.Len())
	}
	if got.Index.TotalCount() != 3 {
		t.Fatalf("got total count %d, want 3", got.Index.TotalCount())
	}
}

func TestMigrateCountsPopulatesZeroCounts(t *testing.T) {
	b1 := uuid.New()
	idx := sparseindex.New(b1)
	root := &sparseindex.Root{Version: sparseindex.VersionV1, Index: idx}

	err := root.MigrateCounts(func(id uuid.UUID) (int, error) {
		if id == b1 {
			return 7, nil
		}
		return 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if idx.TotalCount() != 7 {
		t.Fatalf("got %d, want 7", idx.TotalCount())
	}
}
