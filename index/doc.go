// Package index is the ANN Index Manager: one HNSW graph per embedding scheme.
//
// Each scheme has its own dimension and metric and its own single writer
// goroutine. Inserts land in a recent buffer that queries scan exhaustively,
// so a vector is searchable as soon as Insert returns; the writer then links
// it into the graph in arrival order.
//
// Retired passages are tombstoned in a roaring64 bitmap and never returned.
// Compaction and rebuild build a replacement graph off to the side and swap
// it in under the scheme's exclusive maintenance lock; other schemes are not
// affected.
//
// # Filtering
//
// A query filter is compiled through the metadata index into a selection of
// passages. Small selections are scanned exactly; larger ones drive a graph
// search with a widened candidate list and an allow predicate.
package index
