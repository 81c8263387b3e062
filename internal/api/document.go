package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/awnumar/memguard"

	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/metadata"
)

// KeyDocument is the JSON form of a key with its metadata.
type KeyDocument struct {
	Algorithm string                 `json:"algorithm"`
	Kind      string                 `json:"kind"`
	Key       string                 `json:"key"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewKeyDocument renders a key with its metadata. The key is base64 of its
// encoded form.
func NewKeyDocument(kwm *metadata.KeyWithMetadata) (*KeyDocument, error) {
	algorithm, err := crypto.AlgorithmOf(kwm.Key())
	if err != nil {
		return nil, err
	}
	kind, err := crypto.KindOf(kwm.Key())
	if err != nil {
		return nil, err
	}
	encoded, err := crypto.EncodeKey(kwm.Key())
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(encoded)

	doc := &KeyDocument{
		Algorithm: algorithm,
		Kind:      kind.String(),
		Key:       base64.StdEncoding.EncodeToString(encoded),
	}
	if !kwm.Metadata().IsEmpty() {
		doc.Metadata = kwm.Metadata().ToMap()
	}
	return doc, nil
}

// KeyWithMetadata decodes the document's key and metadata.
func (d *KeyDocument) KeyWithMetadata() (*metadata.KeyWithMetadata, error) {
	if d.Algorithm == "" {
		return nil, fmt.Errorf("algorithm is required")
	}
	kind, err := crypto.ParseKind(d.Kind)
	if err != nil {
		return nil, err
	}
	encoded, err := base64.StdEncoding.DecodeString(d.Key)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	defer memguard.WipeBytes(encoded)
	if len(encoded) == 0 {
		return nil, fmt.Errorf("key is required")
	}

	values := make(map[string]interface{}, len(d.Metadata))
	for name, v := range d.Metadata {
		value, err := metadataValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", name, err)
		}
		values[name] = value
	}
	md, err := metadata.FromMap(values)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DecodeKey(d.Algorithm, kind, encoded)
	if err != nil {
		return nil, err
	}
	kwm, err := metadata.NewKeyWithMetadata(key, md)
	if err != nil {
		crypto.DestroyKey(key)
		return nil, err
	}
	return kwm, nil
}

// metadataValue narrows a decoded JSON value to a metadata value. Integral
// numbers become int64, other numbers float64.
func metadataValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string, bool, int32, int64, float64:
		return val, nil
	case int:
		return int64(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("value must be a string, boolean or number")
}

// decodeKeyDocument parses a request body into a key with metadata.
func decodeKeyDocument(r io.Reader) (*metadata.KeyWithMetadata, error) {
	var doc KeyDocument
	dec := json.NewDecoder(r)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid key document: %w", err)
	}
	return doc.KeyWithMetadata()
}

// encodeKeyDocument renders a key with its metadata as a JSON body.
func encodeKeyDocument(kwm *metadata.KeyWithMetadata) ([]byte, error) {
	doc, err := NewKeyDocument(kwm)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode key document: %w", err)
	}
	return buf.Bytes(), nil
}
