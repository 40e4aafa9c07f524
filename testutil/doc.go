// Package testutil provides testing utilities for openscience.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating seeded vectors, computing exact
// nearest neighbours and measuring recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UnitVectors(1000, 64)
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.ExactTopK(query, ids, vecs, k, distance.MetricCosine)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
