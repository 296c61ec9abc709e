// Package blobstore defines the content storage surface for upload
// bytes and versioned script sources (component C2). Handles are
// uuid-based, not content digests: the store guarantees uniqueness by
// construction rather than by hashing, so it never needs to verify a
// caller-supplied digest the way a content-addressed store would.
package blobstore

import (
	"context"
	"io"
)

// Store is the minimal surface the engine needs from a blob backend.
// Implementations never mutate a blob once Put.
type Store interface {
	// PutUpload stores data under a freshly minted handle, preserving
	// extension for on-disk naming, and returns that handle.
	PutUpload(ctx context.Context, data io.Reader, extension string) (handle string, err error)

	// PutScript stores a script version under a handle namespaced by
	// functionID and versionTS, so historical versions remain
	// retrievable for lineage audits after a function's script is
	// replaced.
	PutScript(ctx context.Context, data io.Reader, functionID string, versionTS int64, extension string) (handle string, err error)

	// Open returns a reader for the bytes behind handle. The caller
	// must Close it.
	Open(ctx context.Context, handle string) (io.ReadCloser, error)

	// Delete removes the blob behind handle. Deleting an absent handle
	// is not an error.
	Delete(ctx context.Context, handle string) error
}
