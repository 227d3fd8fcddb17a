package block_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/objstore"
)

func newManager(t *testing.T) *block.Manager {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return block.NewManager(store, "blocks", 1<<20, nil, key.KindString)
}

func TestCreateCommitFlushGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	d := m.Create()
	d.Put(key.New("p", key.String("a")), []byte("1"))
	d.Put(key.New("p", key.String("b")), []byte("2"))

	b := m.Commit(d)
	if err := m.Flush(ctx, b); err != nil {
		t.Fatal(err)
	}

	fetched, err := m.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := fetched.Get(key.New("p", key.String("a")))
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if fetched.Len() != 2 {
		t.Fatalf("got len %d, want 2", fetched.Len())
	}
}

func TestForkGetsFreshIDAndIndependentContent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	d := m.Create()
	d.Put(key.New("p", key.String("a")), []byte("1"))
	base := m.Commit(d)
	if err := m.Flush(ctx, base); err != nil {
		t.Fatal(err)
	}

	fork, err := m.Fork(ctx, base.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fork.ID == base.ID {
		t.Fatal("fork must allocate a fresh id")
	}
	fork.Put(key.New("p", key.String("b")), []byte("2"))

	forkedBlock := m.Commit(fork)
	if forkedBlock.Len() != 2 {
		t.Fatalf("forked block should contain base + new entry, got %d", forkedBlock.Len())
	}
	if base.Len() != 1 {
		t.Fatal("original block must be unmodified by a fork's mutations")
	}
}

func TestGetMissingBlockIsNotFound(t *testing.T) {
	m := newManager(t)
	_, err := m.Get(context.Background(), [16]byte{})
	if !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for missing block", err)
	}
}

func TestSplitProducesNonEmptyOrderedHalves(t *testing.T) {
	d := block.NewUnordered(key.KindUint32)
	for i := uint32(0); i < 10; i++ {
		d.Put(key.New("p", key.Uint32(i)), []byte{byte(i)})
	}
	left, right := d.Split()
	if left.IsEmpty() || right.IsEmpty() {
		t.Fatal("both split halves must be non-empty")
	}
	leftMax := left.Entries()[left.Len()-1]
	rightMin := right.Entries()[0]
	if leftMax.Key.Compare(rightMin.Key) >= 0 {
		t.Fatalf("left half must sort entirely before right half")
	}
}
