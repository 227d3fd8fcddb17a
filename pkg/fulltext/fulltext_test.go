package fulltext_test

import (
	"context"
	"testing"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/fulltext"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/objstore"
	"github.com/chronicledb/corestore/pkg/sparseindex"
)

func newTestBlockfile(t *testing.T) *blockfile.Blockfile {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	manager := block.NewManager(store, "blocks", 1<<20, nil, key.KindUint32)
	return blockfile.Open(manager, store, "root")
}

func writeIndex(t *testing.T, ctx context.Context, bf *blockfile.Blockfile, idx *fulltext.Index, w *blockfile.UnorderedWriter) (*blockfile.Reader, *sparseindex.Root) {
	t.Helper()
	if err := idx.WriteToBlockfiles(ctx, w); err != nil {
		t.Fatal(err)
	}
	flusher, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	root, err := flusher.Flush(ctx, bf)
	if err != nil {
		t.Fatal(err)
	}
	return bf.OpenReader(root), root
}

func TestSearchMultibyteTrigram(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		t.Fatal(err)
	}

	idx := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpCreate, DocID: 1, New: "pretérito"}})

	reader, _ := writeIndex(t, ctx, bf, idx, w)

	got, err := idx.Search(ctx, reader, "pretérito")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("search pretérito: got %v, want [1]", got)
	}

	got, err = idx.Search(ctx, reader, "bretérito")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("search bretérito: got %v, want empty", got)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		t.Fatal(err)
	}
	idx := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpCreate, DocID: 1, New: "hello world"}})
	reader, _ := writeIndex(t, ctx, bf, idx, w)

	got, err := idx.Search(ctx, reader, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("empty query: got %v, want empty", got)
	}
}

func TestSearchMissingTokenReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		t.Fatal(err)
	}
	idx := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpCreate, DocID: 1, New: "hello world"}})
	reader, _ := writeIndex(t, ctx, bf, idx, w)

	got, err := idx.Search(ctx, reader, "zzzzzz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestDeleteRemovesDocFromSearch(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		t.Fatal(err)
	}
	idx := fulltext.NewIndex(fulltext.NewTokenizer(1))
	idx.ApplyBatch([]fulltext.Op{
		{Kind: fulltext.OpCreate, DocID: 1, New: "cat"},
		{Kind: fulltext.OpCreate, DocID: 2, New: "car"},
	})
	reader, root := writeIndex(t, ctx, bf, idx, w)

	got, err := idx.Search(ctx, reader, "ca")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 docs", got)
	}

	idx2 := fulltext.NewIndex(fulltext.NewTokenizer(1))
	idx2.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpDelete, DocID: 1, Old: "cat"}})
	writer := bf.OpenWriterFromRoot(root)
	reader2, _ := writeIndex(t, ctx, bf, idx2, writer)

	got, err = idx2.Search(ctx, reader2, "ca")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("after delete: got %v, want [2]", got)
	}
}

func TestUpdateNoOpWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		t.Fatal(err)
	}
	idx := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpCreate, DocID: 1, New: "hello world"}})
	reader, root := writeIndex(t, ctx, bf, idx, w)

	idx2 := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx2.ApplyBatch([]fulltext.Op{{Kind: fulltext.OpUpdate, DocID: 1, Old: "hello world", New: "hello world"}})
	writer := bf.OpenWriterFromRoot(root)
	reader2, _ := writeIndex(t, ctx, bf, idx2, writer)

	_ = reader
	got, err := idx2.Search(ctx, reader2, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1]", got)
	}
}
