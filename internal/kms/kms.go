// Package kms implements master key services that issue and decrypt data
// keys through an external key management system.
package kms

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds each call to a remote key management service.
const DefaultTimeout = 10 * time.Second

// Data key specs accepted by the master key services.
const (
	DataKeySpecAES256 = "AES_256"
	DataKeySpecAES128 = "AES_128"
)

// DataKeySize returns the data key length in bytes for spec. An empty spec
// means AES_256.
func DataKeySize(spec string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(spec)) {
	case "", DataKeySpecAES256:
		return 32, nil
	case DataKeySpecAES128:
		return 16, nil
	default:
		return 0, fmt.Errorf("unsupported data key spec %q", spec)
	}
}

func generateDataKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("kms: failed to generate data key: %w", err)
	}
	return key, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
