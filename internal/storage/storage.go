// Package storage provides object storage abstractions for the batch sink.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the partitioned batch sink.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Put writes an object at the given path, overwriting any existing
	// object. Event paths derive from the immutable composite key, so an
	// overwrite always carries identical content.
	Put(ctx context.Context, objectPath string, data []byte) error

	// PutIfAbsent writes an object only if the path is vacant.
	// Returns false without error when the object already exists, which is
	// how re-appends for an already-written dedup key become no-ops.
	PutIfAbsent(ctx context.Context, objectPath string, data []byte) (bool, error)

	// Get reads an object's content.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
