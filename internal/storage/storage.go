// Package storage defines the key/value blob contract shared by the cache backends.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by BlobStore.Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// BlobStore persists opaque blobs under flat keys.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}
