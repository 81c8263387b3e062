package crypto

import (
	"crypto/aes"
	"encoding/base64"
	"fmt"
	"regexp"
)

// AESWrapAlgorithm is the transformation used by the AES wrap operator.
const AESWrapAlgorithm = "AES/CBC/PKCS5Padding"

var aesDEKInfo = regexp.MustCompile(`^([A-Za-z0-9_/]+),([A-Za-z0-9+/=]+)$`)

// NewAESWrapOperator returns an operator that wraps keys under an AES
// wrapper key using CBC mode. DEK-Info carries "algorithm,base64(IV)".
func NewAESWrapOperator() *WrapOperator {
	return &WrapOperator{strategy: aesStrategy{}, dekInfo: aesDEKInfo}
}

type aesStrategy struct{}

func (aesStrategy) algorithm() string {
	return AESWrapAlgorithm
}

func (aesStrategy) encrypt(plaintext []byte, wrapper Key) ([]byte, string, error) {
	key, err := aesWrapperKey(wrapper)
	if err != nil {
		return nil, "", err
	}
	iv, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, "", err
	}
	ciphertext, err := cbcEncrypt(key.data, iv, plaintext)
	if err != nil {
		return nil, "", err
	}
	return ciphertext, AESWrapAlgorithm + "," + base64.StdEncoding.EncodeToString(iv), nil
}

func (aesStrategy) decrypt(ciphertext []byte, params []string, wrapper Key) ([]byte, error) {
	key, err := aesWrapperKey(wrapper)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(params[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode IV: %w", err)
	}
	return cbcDecrypt(key.data, iv, ciphertext)
}

func aesWrapperKey(wrapper Key) (*SecretKey, error) {
	key, ok := wrapper.(*SecretKey)
	if !ok || key.algorithm != AlgorithmAES {
		return nil, fmt.Errorf("wrapper key must be an AES secret key; got %T", wrapper)
	}
	return key, nil
}
