package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInputSize indicates ciphertext that is not a positive multiple of
	// the block size.
	ErrInputSize = errors.New("ciphertext size is not a multiple of the block size")
	// ErrPadding indicates a corrupt ciphertext or the wrong key.
	ErrPadding = errors.New("invalid padding")
)

// randomBytes returns n bytes from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// cbcEncrypt pads plaintext to the block size (PKCS#7) and encrypts it.
func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	padded := addPadding(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// cbcDecrypt decrypts ciphertext and strips its PKCS#7 padding.
func cbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrInputSize
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return removePadding(out, block.BlockSize())
}

func addPadding(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize
	return append(append(make([]byte, 0, len(in)+n), in...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func removePadding(in []byte, blockSize int) ([]byte, error) {
	n := int(in[len(in)-1])
	if n == 0 || n > blockSize || n > len(in) {
		return nil, ErrPadding
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return in[:len(in)-n], nil
}
