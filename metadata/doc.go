// Package metadata maintains the roaring-bitmap inverted index used to pre-filter ANN queries.
//
// Papers get a dense ordinal. Per-tag, per-source and per-year bitmaps hold
// paper ordinals; each paper keeps a 64-bit bitmap of its passage ids.
// A Filter compiles to a Selection that answers membership for a passage id
// and can enumerate the admitted passages when the set is small.
package metadata
