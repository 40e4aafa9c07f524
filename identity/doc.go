// Package identity maps incoming documents to canonical paper ids.
//
// Hard keys are (source, external id) pairs after per-source normalization.
// A soft key, the fingerprint of title and first author, only ever produces
// merge candidates for later reconciliation; the resolver never merges two
// existing papers on its own.
package identity
