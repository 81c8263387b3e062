package crypto

import (
	"crypto/aes"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBEAlgorithm is the algorithm name of a password key.
	PBEAlgorithm = "PBEWithHmacSHA512AndAES_256"
	// PBEWrapAlgorithm is the transformation used by the PBE wrap operator.
	PBEWrapAlgorithm = PBEAlgorithm + "/CBC/PKCS5Padding"

	// DefaultPBEIterations is the PBKDF2 iteration count used when none is
	// configured.
	DefaultPBEIterations = 100000
	// MaxPBEIterations bounds the iteration count accepted from a stored
	// DEK-Info header.
	MaxPBEIterations = 10000000

	pbeSaltSize = 16
	pbeKeySize  = 32
)

var pbeDEKInfo = regexp.MustCompile(`^([A-Za-z0-9_/]+),(\d+),([A-Za-z0-9+/=]+),([A-Za-z0-9+/=]+)$`)

// PBEKey is a password used to derive wrapping keys.
type PBEKey struct {
	password []byte
}

// NewPBEKey creates a password key from a copy of password.
func NewPBEKey(password []byte) (*PBEKey, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password is required")
	}
	return &PBEKey{password: append([]byte(nil), password...)}, nil
}

// Destroy zeroes the password.
func (k *PBEKey) Destroy() {
	memguard.WipeBytes(k.password)
}

// derive runs PBKDF2-HMAC-SHA512 over the password.
func (k *PBEKey) derive(salt []byte, iterations int) []byte {
	return pbkdf2.Key(k.password, salt, iterations, pbeKeySize, sha512.New)
}

// NewPBEWrapOperator returns an operator that wraps keys under a key derived
// from a password. DEK-Info carries "algorithm,iterations,base64(salt),base64(IV)".
// A non-positive iteration count selects DefaultPBEIterations.
func NewPBEWrapOperator(iterations int) *WrapOperator {
	if iterations <= 0 {
		iterations = DefaultPBEIterations
	}
	return &WrapOperator{strategy: pbeStrategy{iterations: iterations}, dekInfo: pbeDEKInfo}
}

type pbeStrategy struct {
	iterations int
}

func (pbeStrategy) algorithm() string {
	return PBEWrapAlgorithm
}

func (s pbeStrategy) encrypt(plaintext []byte, wrapper Key) ([]byte, string, error) {
	key, err := pbeWrapperKey(wrapper)
	if err != nil {
		return nil, "", err
	}
	salt, err := randomBytes(pbeSaltSize)
	if err != nil {
		return nil, "", err
	}
	iv, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, "", err
	}

	derived := key.derive(salt, s.iterations)
	defer memguard.WipeBytes(derived)

	ciphertext, err := cbcEncrypt(derived, iv, plaintext)
	if err != nil {
		return nil, "", err
	}
	params := PBEWrapAlgorithm +
		"," + strconv.Itoa(s.iterations) +
		"," + base64.StdEncoding.EncodeToString(salt) +
		"," + base64.StdEncoding.EncodeToString(iv)
	return ciphertext, params, nil
}

func (pbeStrategy) decrypt(ciphertext []byte, params []string, wrapper Key) ([]byte, error) {
	key, err := pbeWrapperKey(wrapper)
	if err != nil {
		return nil, err
	}
	iterations, err := strconv.Atoi(params[0])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %q", params[0])
	}
	if iterations > MaxPBEIterations {
		return nil, fmt.Errorf("iteration count %d exceeds %d", iterations, MaxPBEIterations)
	}
	salt, err := base64.StdEncoding.DecodeString(params[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(params[2])
	if err != nil {
		return nil, fmt.Errorf("failed to decode IV: %w", err)
	}

	derived := key.derive(salt, iterations)
	defer memguard.WipeBytes(derived)
	return cbcDecrypt(derived, iv, ciphertext)
}

func pbeWrapperKey(wrapper Key) (*PBEKey, error) {
	key, ok := wrapper.(*PBEKey)
	if !ok {
		return nil, fmt.Errorf("wrapper key must be a password key; got %T", wrapper)
	}
	return key, nil
}
