package blob

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0x01, 0xfe, 0x7a}, 100)

	tests := []struct {
		name  string
		blobs []*Blob
	}{
		{"empty list", nil},
		{"single without headers", []*Blob{New("AES SECRET KEY", nil, []byte("secret"))}},
		{"empty content", []*Blob{New("SIGNED METADATA", nil, nil)}},
		{"headers are kept in order", []*Blob{New("RSA PRIVATE KEY", []Header{
			{Name: "Proc-Type", Value: "4,ENCRYPTED"},
			{Name: "DEK-Info", Value: "AES/CBC/PKCS5Padding,AAAAAAAAAAAAAAAAAAAAAA=="},
			{Name: "A-Last", Value: ""},
		}, long)}},
		{"sequence", []*Blob{
			New("AWS SECRET KEY", []Header{{Name: "Key-Id", Value: "arn:aws:kms:us-east-1:1:key/x"}}, []byte{1, 2, 3}),
			New("AES SECRET KEY", []Header{{Name: "Proc-Type", Value: "4,ENCRYPTED"}}, long),
			New("SIGNED METADATA", nil, []byte("eyJhbGciOiJIUzI1NiJ9.e30.sig")),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, tt.blobs))

			decoded, err := Decode(&buf)
			require.NoError(t, err)
			require.Len(t, decoded, len(tt.blobs))
			for i := range tt.blobs {
				assert.True(t, tt.blobs[i].Equal(decoded[i]), "blob %d differs", i)
			}
		})
	}
}

func TestEncodeFormat(t *testing.T) {
	b := New("AES SECRET KEY", []Header{
		{Name: "Proc-Type", Value: "4,ENCRYPTED"},
		{Name: "DEK-Info", Value: "x"},
	}, []byte("hello"))

	out := string(EncodeToBytes([]*Blob{b}))
	want := "-----BEGIN AES SECRET KEY-----\n" +
		"Proc-Type: 4,ENCRYPTED\n" +
		"DEK-Info: x\n" +
		"\n" +
		"aGVsbG8=\n" +
		"-----END AES SECRET KEY-----\n"
	assert.Equal(t, want, out)
}

func TestEncodeWrapsBody(t *testing.T) {
	out := string(EncodeToBytes([]*Blob{New("X", nil, make([]byte, 100))}))
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, len(line), lineLength)
	}
}

func TestDecodeIgnoresSurroundingText(t *testing.T) {
	input := "\n\n  some preamble\n-----BEGIN AES SECRET KEY-----\r\naGVsbG8=\r\n-----END AES SECRET KEY-----\r\ntrailing\n\n"
	blobs, err := Decode(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "AES SECRET KEY", blobs[0].Type())
	assert.Equal(t, []byte("hello"), blobs[0].Content())
}

func TestDecodeEmptyStream(t *testing.T) {
	blobs, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, blobs)

	blobs, err = Decode(strings.NewReader("   \n\t\n"))
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing end", "-----BEGIN X-----\naGVsbG8=\n"},
		{"mismatched end", "-----BEGIN X-----\naGVsbG8=\n-----END Y-----\n"},
		{"bad base64", "-----BEGIN X-----\n!!!!\n-----END X-----\n"},
		{"non ascii", "-----BEGIN X-----\né\n-----END X-----\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, keyerr.Is(err, keyerr.DecodeFailure), "got %v", err)
		})
	}
}

func TestEncodeRejectsInvalidBlobs(t *testing.T) {
	assert.Panics(t, func() { EncodeToBytes([]*Blob{nil}) })
	assert.Panics(t, func() { EncodeToBytes([]*Blob{New("", nil, nil)}) })
	assert.Panics(t, func() { EncodeToBytes([]*Blob{New("BAD-----TYPE", nil, nil)}) })
	assert.Panics(t, func() {
		EncodeToBytes([]*Blob{New("X", []Header{{Name: "Bad Name", Value: "v"}}, nil)})
	})
	assert.Panics(t, func() {
		EncodeToBytes([]*Blob{New("X", []Header{{Name: "N", Value: "line\nbreak"}}, nil)})
	})
}

func TestBlobAccessorsCopy(t *testing.T) {
	content := []byte("abc")
	headers := []Header{{Name: "A", Value: "1"}}
	b := New("X", headers, content)

	content[0] = 'z'
	headers[0].Value = "2"
	assert.Equal(t, []byte("abc"), b.Content())
	v, ok := b.Header("A")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	got := b.Content()
	got[0] = 'q'
	assert.Equal(t, []byte("abc"), b.Content())
}
