package blob

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/soulwing/s2ks/internal/keyerr"
)

const (
	beginPrefix = "-----BEGIN "
	endPrefix   = "-----END "
	dashes      = "-----"
	lineLength  = 64
)

// Encode writes each blob as a text container, in order.
// It panics if a blob is nil or cannot be represented in a container.
func Encode(w io.Writer, blobs []*Blob) error {
	var buf bytes.Buffer
	for _, b := range blobs {
		if b == nil {
			panic("blob: cannot encode a nil blob")
		}
		encodeOne(&buf, b)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write blobs: %w", err)
	}
	return nil
}

// EncodeToBytes encodes blobs into a new byte slice.
func EncodeToBytes(blobs []*Blob) []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes never fail
	_ = Encode(&buf, blobs)
	return buf.Bytes()
}

func encodeOne(buf *bytes.Buffer, b *Blob) {
	if !validType(b.typ) {
		panic(fmt.Sprintf("blob: invalid container type %q", b.typ))
	}
	buf.WriteString(beginPrefix + b.typ + dashes + "\n")
	for _, h := range b.headers {
		if !validHeaderName(h.Name) || !validHeaderValue(h.Value) {
			panic(fmt.Sprintf("blob: invalid header %q", h.Name))
		}
		buf.WriteString(h.Name + ": " + h.Value + "\n")
	}
	if len(b.headers) > 0 {
		buf.WriteString("\n")
	}
	body := base64.StdEncoding.EncodeToString(b.content)
	for len(body) > lineLength {
		buf.WriteString(body[:lineLength] + "\n")
		body = body[lineLength:]
	}
	if len(body) > 0 {
		buf.WriteString(body + "\n")
	}
	buf.WriteString(endPrefix + b.typ + dashes + "\n")
}

// Decode reads containers until end of stream and returns them in the
// order encountered. Text outside of containers is ignored.
func Decode(r io.Reader) ([]*Blob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.StorageFailure, err, "failed to read blobs")
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes containers from data.
func DecodeBytes(data []byte) ([]*Blob, error) {
	for i, c := range data {
		if c > 0x7f {
			return nil, keyerr.New(keyerr.DecodeFailure, "non-ASCII byte at offset %d", i)
		}
	}

	lines := strings.Split(string(data), "\n")
	blobs := make([]*Blob, 0)
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, beginPrefix) || !strings.HasSuffix(line, dashes) || len(line) <= len(beginPrefix)+len(dashes) {
			continue
		}
		typ := line[len(beginPrefix) : len(line)-len(dashes)]
		b, next, err := decodeOne(typ, lines, i+1)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
		i = next
	}
	return blobs, nil
}

// decodeOne parses a container body starting at lines[start] and returns the
// blob plus the index of its END line.
func decodeOne(typ string, lines []string, start int) (*Blob, int, error) {
	end := endPrefix + typ + dashes
	var headers []Header
	var body strings.Builder
	inHeaders := true

	for i := start; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == end {
			content, err := base64.StdEncoding.DecodeString(body.String())
			if err != nil {
				return nil, 0, keyerr.Wrap(keyerr.DecodeFailure, err, "invalid base64 body in %s container", typ)
			}
			return &Blob{typ: typ, headers: headers, content: content}, i, nil
		}
		if strings.HasPrefix(line, endPrefix) || strings.HasPrefix(line, beginPrefix) {
			return nil, 0, keyerr.New(keyerr.DecodeFailure, "unexpected %q in %s container", line, typ)
		}
		if inHeaders {
			if line == "" {
				if len(headers) > 0 {
					inHeaders = false
				}
				continue
			}
			if idx := strings.Index(line, ":"); idx > 0 {
				headers = append(headers, Header{
					Name:  strings.TrimSpace(line[:idx]),
					Value: strings.TrimSpace(line[idx+1:]),
				})
				continue
			}
			inHeaders = false
		}
		body.WriteString(line)
	}
	return nil, 0, keyerr.New(keyerr.DecodeFailure, "missing %q", end)
}

func validType(typ string) bool {
	if typ == "" || strings.TrimSpace(typ) != typ || strings.Contains(typ, dashes) {
		return false
	}
	return printableASCII(typ)
}

func validHeaderName(name string) bool {
	if name == "" || strings.ContainsAny(name, ": ") {
		return false
	}
	return printableASCII(name)
}

func validHeaderValue(value string) bool {
	return strings.TrimSpace(value) == value && printableASCII(value)
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
