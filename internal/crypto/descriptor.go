package crypto

import (
	"fmt"

	"github.com/soulwing/s2ks/internal/blob"
)

// KeyDescriptor describes one wrapped key. It is immutable.
type KeyDescriptor struct {
	algorithm string
	kind      Kind
	headers   []blob.Header
	keyData   []byte
}

// NewKeyDescriptor creates a descriptor after validating its fields.
// Headers keep their given order; a repeated name replaces the earlier
// value in place.
func NewKeyDescriptor(algorithm string, kind Kind, keyData []byte, headers ...blob.Header) (*KeyDescriptor, error) {
	if algorithm == "" {
		return nil, fmt.Errorf("key descriptor algorithm is required")
	}
	switch kind {
	case KindSecret, KindPrivate, KindPublic:
	default:
		return nil, fmt.Errorf("key descriptor kind %s is invalid", kind)
	}
	if len(keyData) == 0 {
		return nil, fmt.Errorf("key descriptor key data is required")
	}

	d := &KeyDescriptor{
		algorithm: algorithm,
		kind:      kind,
		keyData:   append([]byte(nil), keyData...),
	}
	for _, h := range headers {
		d.setHeader(h)
	}
	return d, nil
}

func (d *KeyDescriptor) setHeader(h blob.Header) {
	for i := range d.headers {
		if d.headers[i].Name == h.Name {
			d.headers[i].Value = h.Value
			return
		}
	}
	d.headers = append(d.headers, h)
}

// Algorithm returns the name of the wrapped key's algorithm.
func (d *KeyDescriptor) Algorithm() string {
	return d.algorithm
}

// Kind returns the wrapped key's kind.
func (d *KeyDescriptor) Kind() Kind {
	return d.kind
}

// Header returns the value of the named header.
func (d *KeyDescriptor) Header(name string) (string, bool) {
	for _, h := range d.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Headers returns a copy of the headers in insertion order.
func (d *KeyDescriptor) Headers() []blob.Header {
	return append([]blob.Header(nil), d.headers...)
}

// KeyData returns a copy of the wrapped key bytes.
func (d *KeyDescriptor) KeyData() []byte {
	return append([]byte(nil), d.keyData...)
}
