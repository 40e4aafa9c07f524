// Package model defines the core record types shared by every openscience component.
//
// # Identity Types
//
//   - Paper.ID: canonical paper identifier, opaque and stable once assigned
//   - PassageID: store-assigned, monotonically increasing passage identifier (uint64)
//   - Source / ExternalIDs: per-source native identifiers used for deduplication
//
// # Record Types
//
//   - Paper: normalized paper metadata
//   - Passage: one segment of a paper's text under a segmentation Strategy
//   - Embedding: a vector for a passage under a named scheme
//   - CitationEdge: a directed citing -> cited relation
//
// # Boundary Types
//
//   - Document: the normalized shape accepted from the parsing collaborator
//   - EmbeddingRecord: the shape accepted from the embedding collaborator
//   - Filter: tag / source / date predicate used by scans and queries
package model
