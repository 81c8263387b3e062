package storage

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// Objects stored below a key pair id.
const (
	KeyPairKeyName  = "key"
	KeyPairCertName = "cert"
	KeyPairCAName   = "cacerts"
)

// CertificateChainMediaType describes the output of WriteCertificateChain.
const CertificateChainMediaType = "application/pem-certificate-chain"

// KeyPairInfo is a private key with the certificates issued for it. The
// subject certificate comes first, followed by any CA certificates.
type KeyPairInfo struct {
	ID           string
	PrivateKey   crypto.Key
	Certificates []*x509.Certificate
}

// PasswordFunc returns the password protecting the private key of id, or
// nil when keys are stored unencrypted. The caller wipes the result.
type PasswordFunc func(ctx context.Context, id string) ([]byte, error)

// KeyPairStorage loads externally issued key pairs stored as PEM objects
// below each id: key.pem, cert.pem and an optional cacerts.pem.
type KeyPairStorage struct {
	storage  StorageService
	password PasswordFunc
	closer   io.Closer
}

// NewKeyPairStorage reads key pairs through svc. password may be nil.
func NewKeyPairStorage(svc StorageService, password PasswordFunc) *KeyPairStorage {
	if password == nil {
		password = func(context.Context, string) ([]byte, error) { return nil, nil }
	}
	s := &KeyPairStorage{storage: svc, password: password}
	if c, ok := svc.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// RetrieveKeyPair returns the private key and certificates stored under id.
func (s *KeyPairStorage) RetrieveKeyPair(ctx context.Context, id string) (*KeyPairInfo, error) {
	password, err := s.password(ctx, id)
	if err != nil {
		if _, ok := keyerr.KindOf(err); ok {
			return nil, err
		}
		return nil, keyerr.Wrap(keyerr.StorageFailure, err, "failed to obtain password for %s", id)
	}
	defer memguard.WipeBytes(password)

	data, err := s.read(ctx, id, KeyPairKeyName, true)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(data, password)
	if err != nil {
		return nil, err
	}

	certs, err := s.RetrieveCertificates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &KeyPairInfo{ID: id, PrivateKey: key, Certificates: certs}, nil
}

// RetrieveCertificates returns the certificate chain stored under id.
func (s *KeyPairStorage) RetrieveCertificates(ctx context.Context, id string) ([]*x509.Certificate, error) {
	data, err := s.read(ctx, id, KeyPairCertName, true)
	if err != nil {
		return nil, err
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, keyerr.New(keyerr.DecodeFailure, "no certificate found for %s", id)
	}

	data, err = s.read(ctx, id, KeyPairCAName, false)
	if err != nil {
		return nil, err
	}
	ca, err := parseCertificates(data)
	if err != nil {
		return nil, err
	}
	return append(certs, ca...), nil
}

// Close closes the storage service when it holds resources.
func (s *KeyPairStorage) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// read returns the object name below id. A missing optional object yields
// nil without error.
func (s *KeyPairStorage) read(ctx context.Context, id, name string, required bool) ([]byte, error) {
	p := s.storage.IDToPath(path.Join(id, name), DefaultPathSuffix)
	stream, err := s.storage.ContentStream(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if !required {
				return nil, nil
			}
			return nil, keyerr.Wrap(keyerr.NotFound, err, "no such key pair: %s", id)
		}
		return nil, keyerr.Wrap(keyerr.StorageFailure, err, "failed to read %s", p)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.StorageFailure, err, "failed to read %s", p)
	}
	return data, nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC 1 private keys. PKCS#1
// and SEC 1 keys may carry legacy OpenSSL encryption headers.
func parsePrivateKey(data, password []byte) (crypto.Key, error) {
	blobs, err := blob.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	for _, b := range blobs {
		if !strings.HasSuffix(b.Type(), "PRIVATE KEY") {
			continue
		}
		der, err := privateKeyDER(b, password)
		if err != nil {
			return nil, err
		}
		defer memguard.WipeBytes(der)

		var key crypto.Key
		switch b.Type() {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(der)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(der)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(der)
		default:
			return nil, keyerr.New(keyerr.DecodeFailure, "unsupported private key container %s", b.Type())
		}
		if err != nil {
			if procType, _ := b.Header(crypto.ProcTypeHeader); procType == crypto.ProcTypeEncrypted {
				return nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "failed to decrypt %s", b.Type())
			}
			return nil, keyerr.Wrap(keyerr.DecodeFailure, err, "invalid %s", b.Type())
		}
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey:
			return key, nil
		}
		return nil, keyerr.New(keyerr.DecodeFailure, "unsupported private key type %T", key)
	}
	return nil, keyerr.New(keyerr.DecodeFailure, "no private key container found")
}

func privateKeyDER(b *blob.Blob, password []byte) ([]byte, error) {
	procType, _ := b.Header(crypto.ProcTypeHeader)
	if procType != crypto.ProcTypeEncrypted {
		return b.Content(), nil
	}
	if len(password) == 0 {
		return nil, keyerr.New(keyerr.UnwrapFailure, "%s is encrypted and no password is configured", b.Type())
	}

	block := &pem.Block{Type: b.Type(), Headers: make(map[string]string), Bytes: b.Content()}
	for _, h := range b.Headers() {
		block.Headers[h.Name] = h.Value
	}
	//nolint:staticcheck // legacy OpenSSL PEM encryption
	der, err := x509.DecryptPEMBlock(block, password)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.UnwrapFailure, err, "failed to decrypt %s", b.Type())
	}
	return der, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	blobs, err := blob.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, b := range blobs {
		if b.Type() != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(b.Content())
		if err != nil {
			return nil, keyerr.Wrap(keyerr.DecodeFailure, err, "invalid certificate")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// WriteCertificateChain writes certs as concatenated PEM certificates.
func WriteCertificateChain(w io.Writer, certs []*x509.Certificate) error {
	blobs := make([]*blob.Blob, 0, len(certs))
	for _, cert := range certs {
		blobs = append(blobs, blob.New("CERTIFICATE", nil, cert.Raw))
	}
	return blob.Encode(w, blobs)
}
