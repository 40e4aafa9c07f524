// Package corpus is the system of record for papers, passages, citation
// edges and embeddings.
//
// Store is the only writer. It serializes writes per paper and per
// (paper, strategy) pair with lock striping, runs identity resolution under
// the external-id locks, and delegates persistence to a Backend. Backends
// live in the memory, sqlite and postgres subpackages and share the
// conformance suite in corpustest.
package corpus
