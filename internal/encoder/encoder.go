// Package encoder converts key descriptors and signed metadata to and from
// blobs.
package encoder

import (
	"fmt"
	"regexp"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// MetadataType is the container type of a signed metadata blob.
const MetadataType = "SIGNED METADATA"

var keyType = regexp.MustCompile(`^([A-Za-z0-9_-]+) (SECRET|PRIVATE|PUBLIC) KEY$`)

// KeyEncoder converts key descriptors to and from blobs.
type KeyEncoder interface {
	Encode(descriptor *crypto.KeyDescriptor) (*blob.Blob, error)
	Decode(b *blob.Blob) (*crypto.KeyDescriptor, error)
}

// MetadataEncoder converts signed metadata to and from blobs.
type MetadataEncoder interface {
	Encode(signed []byte) *blob.Blob
	Decode(b *blob.Blob) ([]byte, error)
}

// MetadataRecognizer identifies the metadata blob in a decoded sequence.
type MetadataRecognizer interface {
	IsMetadata(b *blob.Blob) bool
}

// PEMKeyEncoder encodes a descriptor as a "<ALG> <KIND> KEY" container.
type PEMKeyEncoder struct{}

// Encode returns a blob whose headers are the descriptor's headers in order.
func (PEMKeyEncoder) Encode(descriptor *crypto.KeyDescriptor) (*blob.Blob, error) {
	typ := fmt.Sprintf("%s %s KEY", descriptor.Algorithm(), descriptor.Kind())
	if !keyType.MatchString(typ) {
		return nil, keyerr.New(keyerr.DecodeFailure, "`%s` is not a supported PEM object type", typ)
	}
	return blob.New(typ, descriptor.Headers(), descriptor.KeyData()), nil
}

// Decode parses the blob's type line and copies its headers verbatim.
func (PEMKeyEncoder) Decode(b *blob.Blob) (*crypto.KeyDescriptor, error) {
	match := keyType.FindStringSubmatch(b.Type())
	if match == nil {
		return nil, keyerr.New(keyerr.DecodeFailure, "`%s` is not a supported PEM object type", b.Type())
	}
	kind, err := crypto.ParseKind(match[2])
	if err != nil {
		return nil, keyerr.Wrap(keyerr.DecodeFailure, err, "invalid key kind")
	}
	descriptor, err := crypto.NewKeyDescriptor(match[1], kind, b.Content(), b.Headers()...)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.DecodeFailure, err, "invalid %s container", b.Type())
	}
	return descriptor, nil
}

// PEMMetadataEncoder stores a signed token as the body of a
// "SIGNED METADATA" container.
type PEMMetadataEncoder struct{}

// Encode wraps signed in a metadata blob.
func (PEMMetadataEncoder) Encode(signed []byte) *blob.Blob {
	return blob.New(MetadataType, nil, signed)
}

// Decode returns the signed token of a metadata blob.
func (PEMMetadataEncoder) Decode(b *blob.Blob) ([]byte, error) {
	if b.Type() != MetadataType {
		return nil, keyerr.New(keyerr.DecodeFailure, "`%s` is not a %s container", b.Type(), MetadataType)
	}
	return b.Content(), nil
}

// IsMetadata reports whether b is a signed metadata container.
func (PEMMetadataEncoder) IsMetadata(b *blob.Blob) bool {
	return b != nil && b.Type() == MetadataType
}
