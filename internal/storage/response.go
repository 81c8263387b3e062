package storage

import (
	"fmt"
	"sync"

	"github.com/soulwing/s2ks/internal/crypto"
)

// WrapperKeyResponse carries a wrapper key, an optional descriptor recording
// that key, and a hook that destroys the key's sensitive material.
type WrapperKeyResponse struct {
	key        crypto.Key
	descriptor *crypto.KeyDescriptor
	destroy    func()
	once       sync.Once
}

// NewWrapperKeyResponse creates a response. descriptor and destroy may be
// nil.
func NewWrapperKeyResponse(key crypto.Key, descriptor *crypto.KeyDescriptor, destroy func()) (*WrapperKeyResponse, error) {
	if key == nil {
		return nil, fmt.Errorf("wrapper key is required")
	}
	return &WrapperKeyResponse{key: key, descriptor: descriptor, destroy: destroy}, nil
}

// Key returns the wrapper key.
func (r *WrapperKeyResponse) Key() crypto.Key {
	return r.key
}

// Descriptor returns the descriptor to record with the subject key, or nil.
func (r *WrapperKeyResponse) Descriptor() *crypto.KeyDescriptor {
	return r.descriptor
}

// Destroy runs the destroy hook. Only the first call has any effect.
func (r *WrapperKeyResponse) Destroy() {
	r.once.Do(func() {
		if r.destroy != nil {
			r.destroy()
		}
	})
}
