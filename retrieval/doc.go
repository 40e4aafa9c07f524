// Package retrieval is the read side of the corpus: hydrated, paginated
// nearest-neighbour search, paper and passage lookups, and bounded
// citation-graph traversal.
//
// Search pages over a fixed top-K ranking. The first page computes the
// ranking, re-checks the filter against the stored papers and caches the
// result under the query's fingerprint; continuation tokens carry that
// fingerprint so later pages read the same ranking or fail validation when
// replayed against a different query.
package retrieval
