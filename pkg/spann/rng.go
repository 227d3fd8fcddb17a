package spann

import "github.com/chronicledb/corestore/pkg/hnsw"

// RNGResult is one surviving candidate from an RNGQuery.
type RNGResult struct {
	HeadID   uint32
	Distance float32
	Centroid []float32
}

// RNGQuery runs the relative-neighborhood-graph-pruned candidate search of
// §4.E, used both for insert-target selection and reassignment: HNSW k-NN
// for NumCentroidsToSearch, keep everything within
// (1+QueryEpsilon)*min_distance of the query, then reject a candidate c
// (processed in increasing distance order) if any already-accepted neighbor
// n satisfies RNGFactor*d(c,n) <= d(query,c).
func RNGQuery(graph *hnsw.Graph, query []float32, cfg Config) []RNGResult {
	results := graph.Query(query, cfg.NumCentroidsToSearch)
	if len(results) == 0 {
		return nil
	}

	minDist := float64(results[0].Distance) // Query returns ascending-sorted results
	threshold := (1 + cfg.QueryEpsilon) * minDist

	var windowed []hnsw.Result
	for _, r := range results {
		if float64(r.Distance) <= threshold {
			windowed = append(windowed, r)
		}
	}

	var accepted []RNGResult
	for _, c := range windowed {
		rejected := false
		for _, n := range accepted {
			dcn := cfg.Distance(c.Vector, n.Centroid)
			if cfg.RNGFactor*float64(dcn) <= float64(c.Distance) {
				rejected = true
				break
			}
		}
		if !rejected {
			accepted = append(accepted, RNGResult{HeadID: c.ID, Distance: c.Distance, Centroid: c.Vector})
		}
	}
	return accepted
}

// containsHead reports whether id appears among results.
func containsHead(results []RNGResult, id uint32) bool {
	for _, r := range results {
		if r.HeadID == id {
			return true
		}
	}
	return false
}
