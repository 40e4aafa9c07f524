// Package ingest attaches embeddings to passages and delivers them to the
// ANN index at least once.
//
// Attach validates and persists synchronously, then hands the index insert
// to a pool of dispatcher workers. Failed inserts are retried with
// exponential backoff; inserts that keep failing land in a dead-letter
// store and can be replayed. CatchUp re-enqueues everything the store has
// not seen confirmed, which is how deliveries lost to a crash are recovered.
package ingest
