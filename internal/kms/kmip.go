package kms

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/storage"
)

// KMIPConfig configures a KMIP master key service.
type KMIPConfig struct {
	// Endpoint is host:port for the binary protocol, or an http(s) URL for
	// the JSON profile.
	Endpoint    string
	MasterKeyID string
	DataKeySpec string
	TLSConfig   *tls.Config
	Timeout     time.Duration
}

// kmipCipher encrypts and decrypts small payloads under a KMIP managed key.
type kmipCipher interface {
	encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, string, error)
	decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	close() error
}

// KMIPMasterKeyService generates data keys locally and has the KMIP server
// encrypt them under the master key.
type KMIPMasterKeyService struct {
	cipher      kmipCipher
	masterKeyID string
	keySize     int
	timeout     time.Duration
	logger      *logrus.Logger
}

// NewKMIPMasterKeyService connects to cfg.Endpoint, choosing the JSON
// profile when the endpoint carries a URL scheme.
func NewKMIPMasterKeyService(cfg KMIPConfig, logger *logrus.Logger) (*KMIPMasterKeyService, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, errors.New("kms: endpoint is required")
	}
	if cfg.MasterKeyID == "" {
		return nil, errors.New("kms: master key id is required")
	}
	size, err := DataKeySize(cfg.DataKeySpec)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = defaultTLSConfig()
	} else {
		tlsCfg = tlsCfg.Clone()
	}

	var cipher kmipCipher
	if endpointHasScheme(cfg.Endpoint) {
		cipher, err = newKMIPJSONCipher(cfg.Endpoint, tlsCfg, timeout)
	} else {
		cipher, err = newKMIPBinaryCipher(cfg.Endpoint, tlsCfg)
	}
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KMIPMasterKeyService{
		cipher:      cipher,
		masterKeyID: cfg.MasterKeyID,
		keySize:     size,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// NewDataKey implements storage.MasterKeyService.
func (s *KMIPMasterKeyService) NewDataKey(ctx context.Context) (*storage.DataKey, error) {
	plaintext, err := generateDataKey(s.keySize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	ciphertext, keyID, err := s.cipher.encrypt(ctx, s.masterKeyID, plaintext)
	if err != nil {
		memguard.WipeBytes(plaintext)
		return nil, fmt.Errorf("kms: encrypt failed (key ID: %s): %w", s.masterKeyID, err)
	}
	if keyID == "" {
		keyID = s.masterKeyID
	}

	s.logger.WithField("master_key_id", keyID).Debug("Generated data key")
	return &storage.DataKey{
		Plaintext:   plaintext,
		Ciphertext:  ciphertext,
		MasterKeyID: keyID,
	}, nil
}

// DecryptDataKey implements storage.MasterKeyService. A descriptor without
// a recorded key id is decrypted under the configured master key.
func (s *KMIPMasterKeyService) DecryptDataKey(ctx context.Context, ciphertext []byte, masterKeyID string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("kms: wrapped key is empty")
	}
	if masterKeyID == "" {
		masterKeyID = s.masterKeyID
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	plaintext, err := s.cipher.decrypt(ctx, masterKeyID, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt failed (key ID: %s): %w", masterKeyID, err)
	}
	return plaintext, nil
}

// Close releases the connection to the KMIP server.
func (s *KMIPMasterKeyService) Close() error {
	return s.cipher.close()
}

type kmipBinaryCipher struct {
	mu     sync.Mutex
	client *kmipclient.Client
}

func newKMIPBinaryCipher(endpoint string, tlsCfg *tls.Config) (*kmipBinaryCipher, error) {
	client, err := kmipclient.Dial(endpoint, kmipclient.WithTlsConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("kms: failed to dial KMIP endpoint %s: %w", endpoint, err)
	}
	return &kmipBinaryCipher{client: client}, nil
}

func (c *kmipBinaryCipher) encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, string, error) {
	resp, err := c.client.
		Encrypt(keyID).
		WithCryptographicParameters(binaryCryptoParams()).
		Data(plaintext).
		ExecContext(ctx)
	if err != nil {
		return nil, "", err
	}
	return resp.Data, resp.UniqueIdentifier, nil
}

func (c *kmipBinaryCipher) decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.
		Decrypt(keyID).
		WithCryptographicParameters(binaryCryptoParams()).
		Data(ciphertext).
		ExecContext(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *kmipBinaryCipher) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// binaryCryptoParams leaves the block cipher mode to the server.
func binaryCryptoParams() kmip.CryptographicParameters {
	return kmip.CryptographicParameters{
		CryptographicAlgorithm: kmip.CryptographicAlgorithmAES,
		PaddingMethod:          kmip.PaddingMethodNone,
	}
}

func endpointHasScheme(endpoint string) bool {
	if !strings.Contains(endpoint, "://") {
		return false
	}
	u, err := url.Parse(endpoint)
	return err == nil && u.Scheme != ""
}

func defaultTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
