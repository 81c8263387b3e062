package crypto

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// Key algorithm names.
const (
	AlgorithmAES = "AES"
	AlgorithmRSA = "RSA"
	AlgorithmEC  = "EC"
)

// Key is a subject or wrapper key. Supported concrete types are *SecretKey,
// *PBEKey, *rsa.PrivateKey, *rsa.PublicKey, *ecdsa.PrivateKey and
// *ecdsa.PublicKey.
type Key = interface{}

// Kind is the category of a key.
type Kind int

const (
	KindSecret Kind = iota
	KindPrivate
	KindPublic
)

func (k Kind) String() string {
	switch k {
	case KindSecret:
		return "SECRET"
	case KindPrivate:
		return "PRIVATE"
	case KindPublic:
		return "PUBLIC"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses a kind name, ignoring case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "SECRET":
		return KindSecret, nil
	case "PRIVATE":
		return KindPrivate, nil
	case "PUBLIC":
		return KindPublic, nil
	}
	return 0, fmt.Errorf("unknown key kind %q", s)
}

// SecretKey is a symmetric key.
type SecretKey struct {
	algorithm string
	data      []byte
}

// NewSecretKey creates a secret key from a copy of data.
func NewSecretKey(algorithm string, data []byte) (*SecretKey, error) {
	if algorithm == "" {
		return nil, fmt.Errorf("secret key algorithm is required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("secret key data is required")
	}
	if algorithm == AlgorithmAES {
		switch len(data) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("invalid AES key length %d", len(data))
		}
	}
	return &SecretKey{algorithm: algorithm, data: append([]byte(nil), data...)}, nil
}

// Algorithm returns the key's algorithm name.
func (k *SecretKey) Algorithm() string {
	return k.algorithm
}

// Encoded returns a copy of the raw key bytes.
func (k *SecretKey) Encoded() []byte {
	return append([]byte(nil), k.data...)
}

// Bits returns the key length in bits.
func (k *SecretKey) Bits() int {
	return len(k.data) * 8
}

// Equal reports whether both keys have the same algorithm and bytes.
func (k *SecretKey) Equal(other *SecretKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.algorithm == other.algorithm && subtle.ConstantTimeCompare(k.data, other.data) == 1
}

// Destroy zeroes the key bytes.
func (k *SecretKey) Destroy() {
	memguard.WipeBytes(k.data)
}

// AlgorithmOf returns the algorithm name of a key.
func AlgorithmOf(key Key) (string, error) {
	switch k := key.(type) {
	case *SecretKey:
		return k.algorithm, nil
	case *PBEKey:
		return PBEAlgorithm, nil
	case *rsa.PrivateKey, *rsa.PublicKey:
		return AlgorithmRSA, nil
	case *ecdsa.PrivateKey, *ecdsa.PublicKey:
		return AlgorithmEC, nil
	}
	return "", unsupportedKey(key)
}

// KindOf returns the kind of a key.
func KindOf(key Key) (Kind, error) {
	switch key.(type) {
	case *SecretKey, *PBEKey:
		return KindSecret, nil
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return KindPrivate, nil
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return KindPublic, nil
	}
	return 0, unsupportedKey(key)
}

// EncodeKey returns the encoded form of a key: raw bytes for secret keys,
// PKCS#8 for private keys and PKIX for public keys. The caller owns the
// returned slice.
func EncodeKey(key Key) ([]byte, error) {
	switch k := key.(type) {
	case *SecretKey:
		return k.Encoded(), nil
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("failed to encode private key: %w", err)
		}
		return der, nil
	case *rsa.PublicKey, *ecdsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("failed to encode public key: %w", err)
		}
		return der, nil
	}
	return nil, unsupportedKey(key)
}

// DecodeKey reconstructs a key of the given algorithm and kind from its
// encoded form. data is not retained.
func DecodeKey(algorithm string, kind Kind, data []byte) (Key, error) {
	switch kind {
	case KindSecret:
		return NewSecretKey(algorithm, data)
	case KindPrivate:
		parsed, err := x509.ParsePKCS8PrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s private key: %w", algorithm, err)
		}
		return checkAlgorithm(algorithm, parsed)
	case KindPublic:
		parsed, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s public key: %w", algorithm, err)
		}
		return checkAlgorithm(algorithm, parsed)
	}
	return nil, fmt.Errorf("unsupported key kind %s", kind)
}

func checkAlgorithm(algorithm string, key Key) (Key, error) {
	actual, err := AlgorithmOf(key)
	if err != nil {
		return nil, err
	}
	if actual != algorithm {
		return nil, fmt.Errorf("decoded %s key does not match algorithm %s", actual, algorithm)
	}
	return key, nil
}

// DestroyKey zeroes key material where the key type allows it.
func DestroyKey(key Key) {
	switch k := key.(type) {
	case *SecretKey:
		k.Destroy()
	case *PBEKey:
		k.Destroy()
	}
}

func unsupportedKey(key Key) error {
	return keyerr.New(keyerr.ProviderConfiguration, "unsupported key type %T", key)
}
