package storage

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *memoryService) putRaw(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[path] = data
}

type issuedPair struct {
	key  *ecdsa.PrivateKey
	leaf *x509.Certificate
	ca   *x509.Certificate
}

func issuePair(t *testing.T) *issuedPair {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "web.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return &issuedPair{key: key, leaf: leaf, ca: ca}
}

func certPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

func pkcs8PEM(t *testing.T, key interface{}) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func staticPassword(password string) PasswordFunc {
	return func(context.Context, string) ([]byte, error) {
		return []byte(password), nil
	}
}

func TestRetrieveKeyPair(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)
	svc := newMemoryService()
	svc.putRaw("tls/web/key.pem", pkcs8PEM(t, pair.key))
	svc.putRaw("tls/web/cert.pem", append([]byte("subject=CN = web.example.com\n"), certPEM(pair.leaf)...))
	svc.putRaw("tls/web/cacerts.pem", certPEM(pair.ca))

	info, err := NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "tls/web")
	require.NoError(t, err)
	assert.Equal(t, "tls/web", info.ID)
	assert.True(t, pair.key.Equal(info.PrivateKey))
	require.Len(t, info.Certificates, 2)
	assert.True(t, pair.leaf.Equal(info.Certificates[0]))
	assert.True(t, pair.ca.Equal(info.Certificates[1]))
}

func TestRetrieveKeyPairWithoutCACertificates(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)
	svc := newMemoryService()
	svc.putRaw("web/key.pem", pkcs8PEM(t, pair.key))
	svc.putRaw("web/cert.pem", certPEM(pair.leaf))

	certs, err := NewKeyPairStorage(svc, nil).RetrieveCertificates(ctx, "web")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "web.example.com", certs[0].Subject.CommonName)
}

func TestRetrieveKeyPairNotFound(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)

	svc := newMemoryService()
	_, err := NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "absent")
	assert.True(t, keyerr.Is(err, keyerr.NotFound))

	svc.putRaw("nocert/key.pem", pkcs8PEM(t, pair.key))
	_, err = NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "nocert")
	assert.True(t, keyerr.Is(err, keyerr.NotFound))

	svc.readErr = assert.AnError
	_, err = NewKeyPairStorage(svc, nil).RetrieveCertificates(ctx, "nocert")
	assert.True(t, keyerr.Is(err, keyerr.StorageFailure))
}

func TestRetrieveKeyPairLegacyEncryptedKey(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)
	der, err := x509.MarshalECPrivateKey(pair.key)
	require.NoError(t, err)
	//nolint:staticcheck // legacy OpenSSL PEM encryption
	block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", der, []byte("changeit"), x509.PEMCipherAES256)
	require.NoError(t, err)

	svc := newMemoryService()
	svc.putRaw("enc/key.pem", append(
		pem.EncodeToMemory(&pem.Block{Type: "EC PARAMETERS", Bytes: []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}}),
		pem.EncodeToMemory(block)...))
	svc.putRaw("enc/cert.pem", certPEM(pair.leaf))

	info, err := NewKeyPairStorage(svc, staticPassword("changeit")).RetrieveKeyPair(ctx, "enc")
	require.NoError(t, err)
	assert.True(t, pair.key.Equal(info.PrivateKey))

	_, err = NewKeyPairStorage(svc, staticPassword("wrong")).RetrieveKeyPair(ctx, "enc")
	require.Error(t, err)
	assert.True(t, keyerr.Is(err, keyerr.UnwrapFailure), err.Error())

	_, err = NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "enc")
	assert.True(t, keyerr.Is(err, keyerr.UnwrapFailure))
}

func TestRetrieveKeyPairRSAKey(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	svc := newMemoryService()
	svc.putRaw("rsa/key.pem", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}))
	svc.putRaw("rsa/cert.pem", certPEM(pair.leaf))

	info, err := NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "rsa")
	require.NoError(t, err)
	assert.True(t, rsaKey.Equal(info.PrivateKey))
}

func TestRetrieveKeyPairDecodeFailures(t *testing.T) {
	ctx := context.Background()
	pair := issuePair(t)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  []byte
		cert []byte
	}{
		{"no private key", certPEM(pair.leaf), certPEM(pair.leaf)},
		{"unsupported key type", pkcs8PEM(t, edKey), certPEM(pair.leaf)},
		{"encrypted pkcs8", pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: []byte{1}}), certPEM(pair.leaf)},
		{"corrupt key", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}), certPEM(pair.leaf)},
		{"no certificate", pkcs8PEM(t, pair.key), []byte("empty\n")},
		{"corrupt certificate", pkcs8PEM(t, pair.key), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMemoryService()
			svc.putRaw("bad/key.pem", tt.key)
			svc.putRaw("bad/cert.pem", tt.cert)

			_, err := NewKeyPairStorage(svc, nil).RetrieveKeyPair(ctx, "bad")
			require.Error(t, err)
			assert.True(t, keyerr.Is(err, keyerr.DecodeFailure), err.Error())
		})
	}
}

func TestWriteCertificateChain(t *testing.T) {
	pair := issuePair(t)

	var buf bytes.Buffer
	require.NoError(t, WriteCertificateChain(&buf, []*x509.Certificate{pair.leaf, pair.ca}))

	certs, err := parseCertificates(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, pair.leaf.Equal(certs[0]))
	assert.True(t, pair.ca.Equal(certs[1]))
}
