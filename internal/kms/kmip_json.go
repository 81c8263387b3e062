package kms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultKMIPJSONPath = "/kmip/2_1"

// maxKMIPResponseBytes bounds the response body; data key payloads are tiny.
const maxKMIPResponseBytes = 1 << 20

// rfc3394IV is the default initial value of AES key wrap.
var rfc3394IV = []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// KMIPError is an error reported by a KMIP server in a JSON response.
type KMIPError struct {
	Operation string
	Status    int
	Reason    string
}

func (e *KMIPError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("KMIP %s failed (status %d): %s", e.Operation, e.Status, e.Reason)
	}
	return fmt.Sprintf("KMIP %s failed: %s", e.Operation, e.Reason)
}

// ttlv is one node of the KMIP 2.1 JSON TTLV encoding. Structures carry
// their children as a JSON array in Value.
type ttlv struct {
	Tag   string          `json:"tag"`
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func textString(tag, value string) ttlv {
	v, _ := json.Marshal(value)
	return ttlv{Tag: tag, Type: "TextString", Value: v}
}

func enumeration(tag, value string) ttlv {
	v, _ := json.Marshal(value)
	return ttlv{Tag: tag, Type: "Enumeration", Value: v}
}

func byteString(tag string, data []byte) ttlv {
	v, _ := json.Marshal(strings.ToUpper(hex.EncodeToString(data)))
	return ttlv{Tag: tag, Type: "ByteString", Value: v}
}

func structure(tag string, children ...ttlv) ttlv {
	v, _ := json.Marshal(children)
	return ttlv{Tag: tag, Type: "Structure", Value: v}
}

func (n ttlv) children() ([]ttlv, error) {
	data := bytes.TrimSpace(n.Value)
	if len(data) == 0 || data[0] != '[' {
		return nil, nil
	}
	var nodes []ttlv
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("malformed KMIP structure %s: %w", n.Tag, err)
	}
	return nodes, nil
}

func (n ttlv) text() string {
	var s string
	if err := json.Unmarshal(n.Value, &s); err != nil {
		return ""
	}
	return s
}

func (n ttlv) bytes() ([]byte, error) {
	var s string
	if err := json.Unmarshal(n.Value, &s); err != nil {
		return nil, fmt.Errorf("KMIP %s is not a byte string: %w", n.Tag, err)
	}
	return hex.DecodeString(s)
}

func child(nodes []ttlv, tag string) (ttlv, bool) {
	for _, n := range nodes {
		if strings.EqualFold(n.Tag, tag) {
			return n, true
		}
	}
	return ttlv{}, false
}

// kmipJSONCipher speaks the KMIP 2.1 JSON profile over HTTP, asking the
// server for RFC 3394 key wrap under the master key.
type kmipJSONCipher struct {
	client   *http.Client
	endpoint string
}

func newKMIPJSONCipher(endpoint string, tlsCfg *tls.Config, timeout time.Duration) (*kmipJSONCipher, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid KMIP HTTP endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kms: KMIP HTTP endpoint must include scheme and host: %s", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultKMIPJSONPath
	}

	transport := &http.Transport{}
	if strings.EqualFold(u.Scheme, "https") {
		transport.TLSClientConfig = tlsCfg
	}

	return &kmipJSONCipher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		endpoint: u.String(),
	}, nil
}

func (c *kmipJSONCipher) encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, string, error) {
	return c.call(ctx, "Encrypt", keyID, plaintext)
}

func (c *kmipJSONCipher) decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	data, _, err := c.call(ctx, "Decrypt", keyID, ciphertext)
	return data, err
}

func (c *kmipJSONCipher) close() error {
	if tr, ok := c.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

// call performs operation on data and returns the response Data with the
// identifier of the key the server used.
func (c *kmipJSONCipher) call(ctx context.Context, operation, keyID string, data []byte) ([]byte, string, error) {
	request := structure(operation,
		textString("UniqueIdentifier", keyID),
		structure("CryptographicParameters",
			enumeration("BlockCipherMode", "NISTKeyWrap"),
			enumeration("CryptographicAlgorithm", "AES"),
		),
		byteString("Data", data),
		byteString("IVCounterNonce", rfc3394IV),
	)
	body, err := json.Marshal(request)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal KMIP %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create KMIP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("KMIP %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxKMIPResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read KMIP response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", &KMIPError{Operation: operation, Status: resp.StatusCode, Reason: strings.TrimSpace(string(respBody))}
	}

	var response ttlv
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, "", fmt.Errorf("invalid KMIP JSON response: %w", err)
	}
	nodes, err := response.children()
	if err != nil {
		return nil, "", err
	}
	if strings.EqualFold(response.Tag, "Error") || strings.EqualFold(response.Tag, "ErrorResponse") {
		reason := "unknown error"
		if msg, ok := child(nodes, "Message"); ok && msg.text() != "" {
			reason = msg.text()
		}
		return nil, "", &KMIPError{Operation: operation, Reason: reason}
	}

	dataNode, ok := child(nodes, "Data")
	if !ok {
		return nil, "", fmt.Errorf("KMIP %s response missing Data", operation)
	}
	out, err := dataNode.bytes()
	if err != nil {
		return nil, "", err
	}

	usedID := keyID
	if id, ok := child(nodes, "UniqueIdentifier"); ok && id.text() != "" {
		usedID = id.text()
	}
	return out, usedID, nil
}
