package crypto

import (
	"regexp"

	"github.com/awnumar/memguard"
	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// Reserved headers of a wrapped key container.
const (
	ProcTypeHeader    = "Proc-Type"
	ProcTypeEncrypted = "4,ENCRYPTED"
	DEKInfoHeader     = "DEK-Info"
)

// KeyWrapOperator wraps a subject key under a wrapper key and reverses it.
type KeyWrapOperator interface {
	Wrap(subject, wrapper Key) (*KeyDescriptor, error)
	Unwrap(descriptor *KeyDescriptor, wrapper Key) (Key, error)
}

// wrapStrategy is the cipher-specific part of a WrapOperator.
type wrapStrategy interface {
	// algorithm is the cipher transformation named in DEK-Info.
	algorithm() string
	// encrypt returns the ciphertext and the DEK-Info parameter string.
	encrypt(plaintext []byte, wrapper Key) ([]byte, string, error)
	// decrypt receives the DEK-Info submatches following the algorithm.
	decrypt(ciphertext []byte, params []string, wrapper Key) ([]byte, error)
}

// WrapOperator implements KeyWrapOperator on top of a cipher strategy.
// It holds no per-call state and may be shared.
type WrapOperator struct {
	strategy wrapStrategy
	dekInfo  *regexp.Regexp
}

// Algorithm returns the cipher transformation used by the operator.
func (o *WrapOperator) Algorithm() string {
	return o.strategy.algorithm()
}

// Wrap encrypts the encoded subject key under wrapper.
func (o *WrapOperator) Wrap(subject, wrapper Key) (*KeyDescriptor, error) {
	algorithm, err := AlgorithmOf(subject)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap key")
	}
	kind, err := KindOf(subject)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap key")
	}
	encoded, err := EncodeKey(subject)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap key")
	}
	defer memguard.WipeBytes(encoded)

	ciphertext, params, err := o.strategy.encrypt(encoded, wrapper)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap %s key", algorithm)
	}

	descriptor, err := NewKeyDescriptor(algorithm, kind, ciphertext,
		blob.Header{Name: ProcTypeHeader, Value: ProcTypeEncrypted},
		blob.Header{Name: DEKInfoHeader, Value: params},
	)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap %s key", algorithm)
	}
	return descriptor, nil
}

// Unwrap decrypts the descriptor's key data under wrapper and rebuilds the
// key according to the descriptor's algorithm and kind.
func (o *WrapOperator) Unwrap(descriptor *KeyDescriptor, wrapper Key) (Key, error) {
	dekInfo, ok := descriptor.Header(DEKInfoHeader)
	if !ok {
		return nil, keyerr.New(keyerr.UnwrapFailure, "%s header is missing", DEKInfoHeader)
	}
	match := o.dekInfo.FindStringSubmatch(dekInfo)
	if match == nil {
		return nil, keyerr.New(keyerr.UnwrapFailure, "%s header is invalid", DEKInfoHeader)
	}
	if match[1] != o.strategy.algorithm() {
		return nil, keyerr.New(keyerr.UnwrapFailure, "%s header names unsupported algorithm %s", DEKInfoHeader, match[1])
	}

	plaintext, err := o.strategy.decrypt(descriptor.KeyData(), match[2:], wrapper)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "failed to unwrap %s key", descriptor.Algorithm())
	}
	defer memguard.WipeBytes(plaintext)

	key, err := DecodeKey(descriptor.Algorithm(), descriptor.Kind(), plaintext)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "failed to unwrap %s key", descriptor.Algorithm())
	}
	return key, nil
}
