// Package blobstore provides the storage targets for index snapshots.
//
// BlobStore holds immutable snapshot blobs. PointerStore holds the versioned
// CURRENT pointer per scheme and commits it with compare-and-swap, so two
// writers saving the same scheme cannot silently overwrite each other.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests and embedded use
//   - LocalStore: local filesystem with atomic rename
//   - s3.Store: Amazon S3 (multipart uploads through the transfer manager)
//   - s3.DDBPointerStore: DynamoDB conditional writes for CURRENT
//   - minio.Store: MinIO and other S3-compatible services
//
// Any BlobStore can back a PointerStore through NewBlobPointerStore,
// which is safe within one process only.
package blobstore
