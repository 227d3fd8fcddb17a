package spann_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/objstore"
	"github.com/chronicledb/corestore/pkg/spann"
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

func newTestIndex(t *testing.T, cfg spann.Config) *spann.Index {
	t.Helper()
	ctx := context.Background()
	idx, err := spann.New(ctx, newTestBlockfile(t), nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

// TestSplitOnGrowth reproduces the spec's scenario 4: insert 100 points on a
// small grid near the origin (one posting list of exactly SplitThreshold =
// 100 members, so no split yet), then insert (101, [10000, 10000]) far away.
// Appending the far point pushes the list past the threshold and triggers a
// split; the far point must then be the nearest hit for a far query and
// never appear in a near-origin search.
func TestSplitOnGrowth(t *testing.T) {
	ctx := context.Background()
	cfg := spann.DefaultConfig(2)
	cfg.SplitThreshold = 100
	idx := newTestIndex(t, cfg)

	for i := uint32(1); i <= 100; i++ {
		x := float32(i % 10)
		y := float32(i / 10)
		if err := idx.Add(ctx, i, []float32{x, y}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	require.NoError(t, idx.Add(ctx, 101, []float32{10000, 10000}), "add far point")

	results, err := idx.Search(ctx, []float32{10000, 10000}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, uint32(101), results[0].ID, "expected id 101 as nearest to the far query")

	nearResults, err := idx.Search(ctx, []float32{0, 0}, 200)
	require.NoError(t, err)
	for _, r := range nearResults {
		require.NotEqual(t, uint32(101), r.ID, "far point 101 leaked into a near-cluster search result")
	}
}

// TestSearchExcludesDeleted verifies tombstoned docs never surface in
// Search results (invariant: search results are a subset of the live set).
func TestSearchExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	cfg := spann.DefaultConfig(2)
	idx := newTestIndex(t, cfg)

	for i := uint32(1); i <= 10; i++ {
		if err := idx.Add(ctx, i, []float32{float32(i), float32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	idx.Delete(5)

	results, err := idx.Search(ctx, []float32{5, 5}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.ID == 5 {
			t.Fatal("deleted doc 5 appeared in search results")
		}
	}
}

// TestSearchHasNoDuplicateIDs verifies a doc reachable through more than one
// RNG-selected head is only reported once.
func TestSearchHasNoDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	cfg := spann.DefaultConfig(2)
	idx := newTestIndex(t, cfg)

	for i := uint32(1); i <= 20; i++ {
		if err := idx.Add(ctx, i, []float32{float32(i % 5), float32(i % 3)}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := idx.Search(ctx, []float32{0, 0}, 50)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint32]bool)
	for _, r := range results {
		if seen[r.ID] {
			t.Fatalf("duplicate id %d in search results", r.ID)
		}
		seen[r.ID] = true
	}
}

// TestReassignNoOpWhenPrevHeadStillValid checks that Reassign succeeds and
// leaves the doc searchable exactly once when the doc's previous head is
// still among the RNG query's accepted results.
func TestReassignNoOpWhenPrevHeadStillValid(t *testing.T) {
	ctx := context.Background()
	cfg := spann.DefaultConfig(2)
	idx := newTestIndex(t, cfg)

	if err := idx.Add(ctx, 1, []float32{0, 0}); err != nil {
		t.Fatal(err)
	}

	// Head 1 is the only head in the graph; reassigning doc 1 relative to
	// itself must be a no-op (prevHead 1 is trivially still the sole RNG
	// result).
	if err := idx.Reassign(ctx, 1, 1, []float32{0, 0}, 1); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, []float32{0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("expected doc 1 still present exactly once, got %+v", results)
	}
}

// TestFlushPersistsPostingLists verifies Flush commits every dirty posting
// list without disturbing subsequent reads through the same Index.
func TestFlushPersistsPostingLists(t *testing.T) {
	ctx := context.Background()
	bf := newTestBlockfile(t)
	cfg := spann.DefaultConfig(2)

	idx, err := spann.New(ctx, bf, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(1); i <= 5; i++ {
		if err := idx.Add(ctx, i, []float32{float32(i), float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	root, err := idx.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, []float32{1, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results after flush, want 5", len(results))
	}
	_ = root
}
