package crypto

import (
	"testing"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyDescriptorValidation(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		kind      Kind
		data      []byte
		wantErr   bool
	}{
		{"valid", "AES", KindSecret, []byte{1}, false},
		{"missing algorithm", "", KindSecret, []byte{1}, true},
		{"invalid kind", "AES", Kind(7), []byte{1}, true},
		{"missing data", "AES", KindSecret, nil, true},
		{"empty data", "RSA", KindPrivate, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyDescriptor(tt.algorithm, tt.kind, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeyDataReturnsCopy(t *testing.T) {
	data := []byte{1, 2, 3}
	d, err := NewKeyDescriptor("AES", KindSecret, data)
	require.NoError(t, err)

	data[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, d.KeyData())

	out := d.KeyData()
	out[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, d.KeyData())
}

func TestDescriptorHeaders(t *testing.T) {
	d, err := NewKeyDescriptor("AES", KindSecret, []byte{1},
		blob.Header{Name: "B", Value: "1"},
		blob.Header{Name: "A", Value: "2"},
		blob.Header{Name: "B", Value: "3"},
	)
	require.NoError(t, err)

	assert.Equal(t, []blob.Header{{Name: "B", Value: "3"}, {Name: "A", Value: "2"}}, d.Headers())

	v, ok := d.Header("A")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = d.Header("C")
	assert.False(t, ok)

	headers := d.Headers()
	headers[0].Value = "changed"
	v, _ = d.Header("B")
	assert.Equal(t, "3", v)
}
