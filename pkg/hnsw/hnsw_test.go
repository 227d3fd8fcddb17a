package hnsw_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/chronicledb/corestore/pkg/hnsw"
)

func TestQueryFindsExactMatch(t *testing.T) {
	g := hnsw.New(hnsw.Config{Dim: 2, Seed: 42})
	pts := map[uint32][]float32{
		1: {0, 0},
		2: {10, 10},
		3: {1, 1},
		4: {-5, -5},
	}
	for id, v := range pts {
		if err := g.Add(id, v); err != nil {
			t.Fatal(err)
		}
	}

	results := g.Query([]float32{0, 0}, 1)
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("got %+v, want id 1 closest to origin", results)
	}
}

func TestQueryOrdersByDistance(t *testing.T) {
	g := hnsw.New(hnsw.Config{Dim: 1, Seed: 7})
	for i := uint32(0); i < 50; i++ {
		if err := g.Add(i, []float32{float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	results := g.Query([]float32{25}, 5)
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("results not sorted by distance: %+v", results)
		}
	}
}

func TestDeleteExcludesFromQueryAndGet(t *testing.T) {
	g := hnsw.New(hnsw.Config{Dim: 2, Seed: 1})
	for i := uint32(0); i < 10; i++ {
		if err := g.Add(i, []float32{float32(i), float32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Delete(5); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Get(5); ok {
		t.Fatal("Get(5) should report not-found after Delete")
	}
	if g.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", g.Len())
	}
	for _, r := range g.Query([]float32{5, 5}, 10) {
		if r.ID == 5 {
			t.Fatal("deleted id 5 appeared in Query results")
		}
	}
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	g := hnsw.New(hnsw.Config{Dim: 2})
	if err := g.Delete(99); !errors.Is(err, hnsw.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCapacityAndResize(t *testing.T) {
	g := hnsw.New(hnsw.Config{Dim: 1, Capacity: 2, Seed: 3})
	if err := g.Add(1, []float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(2, []float32{2}); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(3, []float32{3}); !errors.Is(err, hnsw.ErrAtCapacity) {
		t.Fatalf("got %v, want ErrAtCapacity", err)
	}
	g.Resize(4)
	if g.Capacity() != 4 {
		t.Fatalf("Capacity() = %d, want 4", g.Capacity())
	}
	if err := g.Add(3, []float32{3}); err != nil {
		t.Fatal(err)
	}
}

func TestQueryApproximatelyRecallsNeighborsAtScale(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	g := hnsw.New(hnsw.Config{Dim: 4, Seed: 11, EfSearch: 64})

	vectors := make(map[uint32][]float32, 500)
	for i := uint32(0); i < 500; i++ {
		v := make([]float32, 4)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
		if err := g.Add(i, v); err != nil {
			t.Fatal(err)
		}
	}

	// Query with a vector identical to an indexed point; it must come back
	// as its own nearest neighbor.
	target := vectors[250]
	results := g.Query(target, 1)
	if len(results) != 1 || results[0].ID != 250 {
		t.Fatalf("expected self as nearest neighbor, got %+v", results)
	}
}
