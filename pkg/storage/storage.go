// Package storage defines the interface to talk to the storage backends
package storage

import (
	"context"
	"io"
	"time"
)

// BlobExtension is appended to every cache key to form its cache path
const BlobExtension = ".jpg"

// DefaultContentType is served for blobs without recorded content type
const DefaultContentType = "image/jpeg"

type (
	// Meta contains the metadata to be written / read
	Meta struct {
		ContentType  string
		LastCached   time.Time
		LastModified time.Time
	}

	// Storage is the interface to implement when building a storage backend.
	// Backends signal a missing entry with an error matching os.ErrNotExist.
	Storage interface {
		DeleteFile(ctx context.Context, cachePath string) error
		GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error)
		LoadMeta(ctx context.Context, cachePath string) (*Meta, error)
		StoreFile(ctx context.Context, cachePath string, metadata *Meta, data io.Reader) error
	}
)

// KeyToCachePath maps a cache key onto its relative cache path. Distinct
// keys always yield distinct paths, confining them to the storage root is
// up to the backend.
func KeyToCachePath(key string) string {
	return key + BlobExtension
}
