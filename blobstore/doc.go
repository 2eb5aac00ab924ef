// Package blobstore provides storage abstraction for archived codec
// output: compressed image artifacts and codec state snapshots.
//
// Store is the interface for writing and reading opaque, immutable blobs
// by name. Implementations must be safe for concurrent use. Names use
// forward slashes as separators regardless of platform.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with atomic writes
//   - MemoryStore: in-memory map for tests and ephemeral pipelines
//   - minio.Store: MinIO and other S3-compatible object storage
//
// # Custom Implementations
//
// Implement the Store interface to support custom backends:
//
//	type Store interface {
//	    Put(ctx, name, data) error          // Atomic write
//	    Get(ctx, name) ([]byte, error)      // Whole-blob read
//	    Delete(ctx, name) error
//	    Exists(ctx, name) (bool, error)
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
