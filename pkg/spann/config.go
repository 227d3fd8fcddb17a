// Package spann implements the partitioned approximate-nearest-neighbor
// index of §4.E: a small pkg/hnsw graph over centroid ("head") embeddings,
// each head owning a posting list of member docs; RNG-pruned candidate
// selection for both insert-target selection and reassignment; split-on-
// grow with 2-means clustering; and version-tombstoned garbage collection.
//
// Grounded on original_source/rust/index/src/spann/types.rs for the exact
// operational contract and named constants, and on the teacher's pkg/mddb
// (load-mutate-persist under one lock per logical unit) for the posting-
// list cache/dirty-flush shape reused here in posting.go.
package spann

import "github.com/chronicledb/corestore/pkg/hnsw"

// Config holds the policy constants named in spec §9/§13 (sourced from
// original_source/rust/index/src/spann/types.rs) plus the index's fixed
// dimensionality and distance function. All fields have the constants'
// documented defaults; Config is a plain struct normalized by
// DefaultConfig, matching the teacher's slotcache.Options/mddb.Config[T]
// style (§10.3).
type Config struct {
	// Dim is the fixed embedding dimensionality.
	Dim int
	// Distance scores dissimilarity between two embeddings; smaller is
	// closer. Defaults to hnsw.L2.
	Distance hnsw.DistanceFunc
	// Cosine, if true, L2-normalizes every embedding passed to Add/Search/
	// Reassign before using it (§4.E: "normalize if cosine").
	Cosine bool

	// NumCentroidsToSearch bounds the HNSW k-NN fan-out an RNG query starts
	// from.
	NumCentroidsToSearch int
	// QueryEpsilon widens the RNG candidate window to
	// (1+QueryEpsilon)*min_distance.
	QueryEpsilon float64
	// RNGFactor is the pruning rejection threshold: reject candidate c if an
	// already-accepted neighbor n has RNGFactor*d(c,n) <= d(query,c).
	RNGFactor float64
	// SplitThreshold is the compacted posting-list size above which Append
	// triggers a split.
	SplitThreshold int
	// NumSamplesForKMeans caps how many compacted members 2-means actually
	// clusters over (a uniform sample when the posting list is larger).
	NumSamplesForKMeans int
	// InitialLambda is carried as the locality penalty constant for split
	// clustering; twoMeans does not read it and runs unweighted 2-means.
	InitialLambda float64
	// ReassignNeighborCount bounds the neighbor scan in collectAndReassign.
	ReassignNeighborCount int
}

// DefaultConfig returns Config populated with the constants named in
// original_source/rust/index/src/spann/types.rs.
func DefaultConfig(dim int) Config {
	return Config{
		Dim:                   dim,
		Distance:              hnsw.L2,
		NumCentroidsToSearch:  64,
		QueryEpsilon:          10.0,
		RNGFactor:             1.0,
		SplitThreshold:        100,
		NumSamplesForKMeans:   1000,
		InitialLambda:         100.0,
		ReassignNeighborCount: 8,
	}
}

func (c Config) withDefaults() Config {
	if c.Distance == nil {
		c.Distance = hnsw.L2
	}
	if c.NumCentroidsToSearch <= 0 {
		c.NumCentroidsToSearch = 64
	}
	if c.RNGFactor <= 0 {
		c.RNGFactor = 1.0
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = 100
	}
	if c.NumSamplesForKMeans <= 0 {
		c.NumSamplesForKMeans = 1000
	}
	if c.InitialLambda <= 0 {
		c.InitialLambda = 100.0
	}
	if c.ReassignNeighborCount <= 0 {
		c.ReassignNeighborCount = 8
	}
	return c
}
