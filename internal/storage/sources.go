package storage

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// KeyIDHeader names the master key that encrypted a recorded wrapper key.
const KeyIDHeader = "Key-Id"

// Reserved algorithm tags of recorded wrapper key descriptors.
const (
	AWSWrapperTag  = "AWS"
	KMIPWrapperTag = "KMIP"
)

// StaticWrapperKeySource always supplies the same wrapper key, for example
// a password derived key. Nothing is recorded alongside the subject key.
type StaticWrapperKeySource struct {
	key crypto.Key
}

// NewStaticWrapperKeySource creates a source for key.
func NewStaticWrapperKeySource(key crypto.Key) (*StaticWrapperKeySource, error) {
	if key == nil {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "static wrapper key is required")
	}
	return &StaticWrapperKeySource{key: key}, nil
}

// NextWrapperKey returns the static key. The response has no destroy hook
// so the key survives across operations.
func (s *StaticWrapperKeySource) NextWrapperKey(ctx context.Context) (*WrapperKeyResponse, error) {
	return NewWrapperKeyResponse(s.key, nil, nil)
}

// ResolveWrapperKey requires exactly one descriptor and returns the static
// key alongside it.
func (s *StaticWrapperKeySource) ResolveWrapperKey(ctx context.Context, descriptors []*crypto.KeyDescriptor) (*WrapperKeyResponse, *crypto.KeyDescriptor, error) {
	if len(descriptors) != 1 {
		return nil, nil, keyerr.New(keyerr.UnwrapFailure,
			"requires exactly one key descriptor; got %d", len(descriptors))
	}
	response, err := NewWrapperKeyResponse(s.key, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return response, descriptors[0], nil
}

// Close destroys the static key.
func (s *StaticWrapperKeySource) Close() error {
	crypto.DestroyKey(s.key)
	return nil
}

// DataKey is a fresh data key issued by a master key service: the plaintext
// key material and the same material encrypted under the master key.
type DataKey struct {
	Plaintext   []byte
	Ciphertext  []byte
	MasterKeyID string
}

// MasterKeyService issues data keys and decrypts them again, typically by
// delegating to a remote key management service.
type MasterKeyService interface {
	// NewDataKey generates a data key under the configured master key.
	NewDataKey(ctx context.Context) (*DataKey, error)
	// DecryptDataKey recovers the plaintext of a data key encrypted under
	// the named master key.
	DecryptDataKey(ctx context.Context, ciphertext []byte, masterKeyID string) ([]byte, error)
}

// RecordedWrapperKeySource obtains a new data key for every store and
// records its encrypted form ahead of the subject key. On retrieval the
// recorded descriptor is decrypted by the same master key service.
type RecordedWrapperKeySource struct {
	service   MasterKeyService
	tag       string
	algorithm string
}

// NewRecordedWrapperKeySource creates a source whose recorded descriptors
// carry the algorithm tag tag. Plaintext data keys become secret keys of
// the given algorithm.
func NewRecordedWrapperKeySource(service MasterKeyService, tag, algorithm string) *RecordedWrapperKeySource {
	return &RecordedWrapperKeySource{service: service, tag: tag, algorithm: algorithm}
}

// NextWrapperKey requests a fresh data key and returns it along with a
// descriptor recording its ciphertext and master key id.
func (s *RecordedWrapperKeySource) NextWrapperKey(ctx context.Context) (*WrapperKeyResponse, error) {
	dataKey, err := s.service.NewDataKey(ctx)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to generate data key")
	}
	defer memguard.WipeBytes(dataKey.Plaintext)

	key, err := crypto.NewSecretKey(s.algorithm, dataKey.Plaintext)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "invalid data key")
	}

	descriptor, err := crypto.NewKeyDescriptor(s.tag, crypto.KindSecret, dataKey.Ciphertext,
		blob.Header{Name: KeyIDHeader, Value: dataKey.MasterKeyID})
	if err != nil {
		key.Destroy()
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "invalid data key descriptor")
	}
	return NewWrapperKeyResponse(key, descriptor, key.Destroy)
}

// ResolveWrapperKey finds the recorded wrapper descriptor and the subject
// descriptor, decrypts the data key and returns it with a destroy hook.
func (s *RecordedWrapperKeySource) ResolveWrapperKey(ctx context.Context, descriptors []*crypto.KeyDescriptor) (*WrapperKeyResponse, *crypto.KeyDescriptor, error) {
	var wrapper, subject *crypto.KeyDescriptor
	for _, d := range descriptors {
		if wrapper == nil && d.Algorithm() == s.tag {
			wrapper = d
			continue
		}
		if subject == nil {
			subject = d
		}
	}
	if wrapper == nil {
		return nil, nil, keyerr.New(keyerr.UnwrapFailure, "cannot find wrapper key descriptor")
	}
	if subject == nil {
		return nil, nil, keyerr.New(keyerr.UnwrapFailure, "cannot find subject key descriptor")
	}

	masterKeyID, _ := wrapper.Header(KeyIDHeader)
	plaintext, err := s.service.DecryptDataKey(ctx, wrapper.KeyData(), masterKeyID)
	if err != nil {
		return nil, nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "failed to decrypt data key")
	}
	defer memguard.WipeBytes(plaintext)

	key, err := crypto.NewSecretKey(s.algorithm, plaintext)
	if err != nil {
		return nil, nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "invalid data key")
	}
	response, err := NewWrapperKeyResponse(key, nil, key.Destroy)
	if err != nil {
		return nil, nil, err
	}
	return response, subject, nil
}

// Close releases the master key service when it holds resources.
func (s *RecordedWrapperKeySource) Close() error {
	if c, ok := s.service.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close master key service: %w", err)
		}
	}
	return nil
}
