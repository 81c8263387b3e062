package test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPTestServer is an in-process KMIP server whose Encrypt and Decrypt
// operations apply a reversible transform to the data.
type KMIPTestServer struct {
	Addr   string
	CAFile string

	encrypts atomic.Int64
	decrypts atomic.Int64
}

// StartKMIPServer starts a TLS KMIP server and writes its CA certificate to
// a temporary file.
func StartKMIPServer(t *testing.T) *KMIPTestServer {
	t.Helper()

	srv := &KMIPTestServer{}
	exec := kmipserver.NewBatchExecutor()
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(srv.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(srv.decrypt))

	addr, ca := kmiptest.NewServer(t, exec)
	srv.Addr = addr
	srv.CAFile = filepath.Join(t.TempDir(), "kmip-ca.pem")
	if err := os.WriteFile(srv.CAFile, []byte(ca), 0o600); err != nil {
		t.Fatalf("Failed to write KMIP CA: %v", err)
	}
	return srv
}

// Encrypts returns the number of Encrypt operations served.
func (s *KMIPTestServer) Encrypts() int64 { return s.encrypts.Load() }

// Decrypts returns the number of Decrypt operations served.
func (s *KMIPTestServer) Decrypts() int64 { return s.decrypts.Load() }

func (s *KMIPTestServer) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	s.encrypts.Add(1)
	return &payloads.EncryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (s *KMIPTestServer) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	s.decrypts.Add(1)
	return &payloads.DecryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0xAA
	}
	return out
}
