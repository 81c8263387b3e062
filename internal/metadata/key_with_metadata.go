package metadata

import (
	"fmt"

	"github.com/soulwing/s2ks/internal/crypto"
)

// KeyWithMetadata pairs a key with its metadata.
type KeyWithMetadata struct {
	key      crypto.Key
	metadata Metadata
}

// NewKeyWithMetadata pairs key with md. The key is required.
func NewKeyWithMetadata(key crypto.Key, md Metadata) (*KeyWithMetadata, error) {
	if key == nil {
		return nil, fmt.Errorf("key is required")
	}
	return &KeyWithMetadata{key: key, metadata: md}, nil
}

// Key returns the key.
func (k *KeyWithMetadata) Key() crypto.Key {
	return k.key
}

// Metadata returns the metadata, possibly empty.
func (k *KeyWithMetadata) Metadata() Metadata {
	return k.metadata
}
