package test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulwing/s2ks/internal/api"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/metadata"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/storage"
)

func localProps(dir, password string) map[string]string {
	return map[string]string{
		provider.PropStorageDirectory: dir,
		provider.PropPassword:         password,
		provider.PropPBEIterations:    "1000",
	}
}

func secretDocument(t *testing.T, md map[string]interface{}) *api.KeyDocument {
	t.Helper()
	data := make([]byte, 32)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return &api.KeyDocument{
		Algorithm: crypto.AlgorithmAES,
		Kind:      "SECRET",
		Key:       base64.StdEncoding.EncodeToString(data),
		Metadata:  md,
	}
}

func decodeDocument(t *testing.T, body []byte) *api.KeyDocument {
	t.Helper()
	var doc api.KeyDocument
	require.NoError(t, json.Unmarshal(body, &doc), string(body))
	return &doc
}

func TestLocalProviderOverHTTP(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, "local", localProps(dir, "correct horse"))
	srv := StartServer(t, cfg)

	doc := secretDocument(t, map[string]interface{}{
		"owner":    "payments",
		"rotation": 90,
		"exported": false,
	})

	status, body := srv.PutKey(t, "apps/payments/db", doc)
	require.Equal(t, http.StatusNoContent, status, string(body))

	status, body = srv.GetKey(t, "apps/payments/db")
	require.Equal(t, http.StatusOK, status, string(body))
	got := decodeDocument(t, body)
	assert.Equal(t, doc.Algorithm, got.Algorithm)
	assert.Equal(t, doc.Key, got.Key)
	assert.Equal(t, "payments", got.Metadata["owner"])
	assert.EqualValues(t, 90, got.Metadata["rotation"])
	assert.Equal(t, false, got.Metadata["exported"])

	content, err := os.ReadFile(filepath.Join(dir, "apps", "payments", "db"+storage.DefaultPathSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(content), "-----BEGIN ")
	assert.Contains(t, string(content), "SIGNED METADATA")
	assert.NotContains(t, string(content), doc.Key)

	events := srv.Audit.Events()
	require.Len(t, events, 2)

	// A second server over the same directory reads what the first wrote.
	srv.Stop()
	srv = StartServer(t, baseConfig(t, "LOCAL", localProps(dir, "correct horse")))
	status, body = srv.GetKey(t, "apps/payments/db")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, doc.Key, decodeDocument(t, body).Key)
}

func TestLocalProviderErrorsOverHTTP(t *testing.T) {
	dir := t.TempDir()
	srv := StartServer(t, baseConfig(t, "LOCAL", localProps(dir, "correct horse")))

	status, body := srv.GetKey(t, "missing")
	assert.Equal(t, http.StatusNotFound, status)
	var apiErr api.APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "NotFound", apiErr.Code)
	assert.Equal(t, "missing", apiErr.KeyID)
	assert.NotEmpty(t, apiErr.RequestID)

	status, _ = srv.PutKey(t, "stored", secretDocument(t, map[string]interface{}{"owner": "ops"}))
	require.Equal(t, http.StatusNoContent, status)
	srv.Stop()

	srv = StartServer(t, baseConfig(t, "LOCAL", localProps(dir, "battery staple")))
	status, body = srv.GetKey(t, "stored")
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(body))
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.NotEqual(t, "NotFound", apiErr.Code)
}

func TestMemoryProviderWithCacheOverHTTP(t *testing.T) {
	cfg := baseConfig(t, "MEMORY", nil)
	cfg.Cache.Enabled = true
	srv := StartServer(t, cfg)

	doc := secretDocument(t, nil)
	status, _ := srv.PutKey(t, "cached", doc)
	require.Equal(t, http.StatusNoContent, status)

	for i := 0; i < 3; i++ {
		status, body := srv.GetKey(t, "cached")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, doc.Key, decodeDocument(t, body).Key)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "s2ks_key_operations_total")
	assert.Contains(t, string(text), "s2ks_http_requests_total")
}

func TestProvidersEndpoint(t *testing.T) {
	srv := StartServer(t, baseConfig(t, "MEMORY", nil))

	resp, err := http.Get(srv.URL + "/v1/providers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, name := range []string{provider.Local, provider.AWS, provider.KMIP, provider.Memory} {
		assert.Contains(t, string(body), name)
	}
}

func kmipProps(srv *KMIPTestServer) map[string]string {
	return map[string]string{
		provider.PropKMIPEndpoint: srv.Addr,
		provider.PropKMIPKeyID:    "test-wrap-key",
		provider.PropKMIPCAFile:   srv.CAFile,
	}
}

func storeAndRetrieve(t *testing.T, keys storage.MutableKeyStorage, id string) {
	t.Helper()
	ctx := context.Background()

	data := make([]byte, 32)
	_, err := rand.Read(data)
	require.NoError(t, err)
	key, err := crypto.NewSecretKey(crypto.AlgorithmAES, data)
	require.NoError(t, err)
	md := metadata.MustNew(metadata.Entry{Name: "owner", Value: "kmip"})
	kwm, err := metadata.NewKeyWithMetadata(key, md)
	require.NoError(t, err)

	require.NoError(t, keys.Store(ctx, id, kwm))

	got, err := keys.RetrieveWithMetadata(ctx, id)
	require.NoError(t, err)
	secret, ok := got.Key().(*crypto.SecretKey)
	require.True(t, ok)
	assert.Equal(t, data, secret.Encoded())
	assert.True(t, md.Equal(got.Metadata()))

	_, err = keys.Retrieve(ctx, id+"-missing")
	assert.True(t, keyerr.Is(err, keyerr.NotFound))
}

func TestKMIPProviderWithFilesystemStorage(t *testing.T) {
	kmipSrv := StartKMIPServer(t)
	dir := t.TempDir()
	props := kmipProps(kmipSrv)
	props[provider.PropStorageDirectory] = dir

	logger, _ := logtest.NewNullLogger()
	keys, err := provider.New(context.Background(), "kmip", props, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	storeAndRetrieve(t, keys, "kmip/fs")
	assert.Positive(t, kmipSrv.Encrypts())
	assert.Positive(t, kmipSrv.Decrypts())

	content, err := os.ReadFile(filepath.Join(dir, "kmip", "fs"+storage.DefaultPathSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(content), "-----BEGIN "+storage.KMIPWrapperTag)
	assert.Contains(t, string(content), storage.KeyIDHeader+": test-wrap-key")
}

func TestKMIPProviderOverHTTP(t *testing.T) {
	kmipSrv := StartKMIPServer(t)
	props := kmipProps(kmipSrv)
	props[provider.PropStorageDirectory] = t.TempDir()
	srv := StartServer(t, baseConfig(t, "KMIP", props))

	doc := secretDocument(t, map[string]interface{}{"env": "test"})
	status, body := srv.PutKey(t, "service-a", doc)
	require.Equal(t, http.StatusNoContent, status, string(body))

	status, body = srv.GetKey(t, "service-a")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, doc.Key, decodeDocument(t, body).Key)
}

func TestKMIPProviderWithMinIOStorage(t *testing.T) {
	minio := StartMinIOServer(t)
	kmipSrv := StartKMIPServer(t)

	prefix := "s2ks/" + strings.ReplaceAll(t.Name(), "/", "-")
	props := kmipProps(kmipSrv)
	for name, value := range minio.Properties(prefix) {
		props[name] = value
	}

	logger, _ := logtest.NewNullLogger()
	keys, err := provider.New(context.Background(), provider.KMIP, props, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	storeAndRetrieve(t, keys, "remote/key")

	ctx := context.Background()
	client, err := minio.S3Client(ctx)
	require.NoError(t, err)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(minio.Bucket),
		Key:    aws.String(prefix + "/remote/key" + storage.DefaultPathSuffix),
	})
	require.NoError(t, err)
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Contains(t, string(content), storage.KeyIDHeader+": test-wrap-key")
}
