// Package storage orchestrates retrieving and storing wrapped keys over
// pluggable storage services and wrapper key sources.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/metadata"
)

// ErrNotFound is wrapped by storage services when no content exists at a
// path.
var ErrNotFound = errors.New("no content at path")

// KeyStorage retrieves stored keys.
type KeyStorage interface {
	// Retrieve returns the key stored under id.
	Retrieve(ctx context.Context, id string) (crypto.Key, error)
	// RetrieveWithMetadata returns the key stored under id with its
	// verified metadata.
	RetrieveWithMetadata(ctx context.Context, id string) (*metadata.KeyWithMetadata, error)
}

// MutableKeyStorage retrieves and stores keys.
type MutableKeyStorage interface {
	KeyStorage
	// Store wraps and persists a key with its metadata, replacing any key
	// stored under id.
	Store(ctx context.Context, id string, kwm *metadata.KeyWithMetadata) error
	// StoreKey stores a key with empty metadata.
	StoreKey(ctx context.Context, id string, key crypto.Key) error
	// Close releases resources held by the underlying services.
	Close() error
}

// StorageService reads and writes encoded blob sequences.
type StorageService interface {
	// IDToPath maps a key id to a storage path.
	IDToPath(id, suffix string) string
	// ContentStream opens the content at path. It returns an error wrapping
	// ErrNotFound when nothing is stored there.
	ContentStream(ctx context.Context, path string) (io.ReadCloser, error)
	// StoreContent encodes blobs and writes them at path, overwriting any
	// existing content.
	StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error
}

// WrapperKeySource supplies wrapper keys to the engine. It is the single
// place where a rotation policy can be implemented.
type WrapperKeySource interface {
	// NextWrapperKey returns the wrapper key for a store operation.
	NextWrapperKey(ctx context.Context) (*WrapperKeyResponse, error)
	// ResolveWrapperKey selects the subject descriptor among those read
	// from storage and returns the wrapper key needed to unwrap it.
	ResolveWrapperKey(ctx context.Context, descriptors []*crypto.KeyDescriptor) (*WrapperKeyResponse, *crypto.KeyDescriptor, error)
}
