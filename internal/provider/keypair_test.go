package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulwing/s2ks/internal/keyerr"
)

func writeKeyPair(t *testing.T, dir, password string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "web"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	//nolint:staticcheck // legacy OpenSSL PEM encryption
	block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", keyDER, []byte(password), x509.PEMCipherAES128)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "key.pem"), pem.EncodeToMemory(block), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "cert.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))
	return key
}

func TestLocalKeyPairStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := writeKeyPair(t, dir, "changeit")

	keyPairs, err := NewKeyPairStorage(ctx, "local", Properties{
		PropStorageDirectory: dir,
		PropPassword:         "changeit",
		PropPBEIterations:    "1000",
	}, quietLogger())
	require.NoError(t, err)
	defer keyPairs.Close()

	info, err := keyPairs.RetrieveKeyPair(ctx, "web")
	require.NoError(t, err)
	assert.True(t, key.Equal(info.PrivateKey))
	require.Len(t, info.Certificates, 1)
	assert.Equal(t, "web", info.Certificates[0].Subject.CommonName)

	_, err = keyPairs.RetrieveKeyPair(ctx, "absent")
	assert.True(t, keyerr.Is(err, keyerr.NotFound))
}

func TestLocalKeyPairStorageWrongPassword(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeKeyPair(t, dir, "changeit")

	keyPairs, err := NewKeyPairStorage(ctx, Local, Properties{
		PropStorageDirectory: dir,
		PropPassword:         "other",
		PropPBEIterations:    "1000",
	}, quietLogger())
	require.NoError(t, err)

	_, err = keyPairs.RetrieveKeyPair(ctx, "web")
	assert.True(t, keyerr.Is(err, keyerr.UnwrapFailure))

	certs, err := keyPairs.RetrieveCertificates(ctx, "web")
	require.NoError(t, err)
	assert.Len(t, certs, 1)
}

func TestKeyPairStorageErrors(t *testing.T) {
	_, err := NewKeyPairStorage(context.Background(), "NOPE", Properties{}, quietLogger())
	assert.True(t, keyerr.Is(err, keyerr.NoSuchProvider))

	_, err = NewKeyPairStorage(context.Background(), Local, Properties{PropPassword: "x"}, quietLogger())
	assert.True(t, keyerr.Is(err, keyerr.ProviderConfiguration))
}
