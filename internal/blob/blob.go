// Package blob implements typed byte segments and their PEM-style text
// container encoding. Unlike encoding/pem, header order is preserved.
package blob

// ContentType is the media type of an encoded blob sequence.
const ContentType = "application/x-pem-file"

// Header is a single name/value pair of a container header block.
type Header struct {
	Name  string
	Value string
}

// Blob is an immutable, typed byte segment with ordered headers.
type Blob struct {
	typ     string
	headers []Header
	content []byte
}

// New creates a blob. The headers and content are copied.
func New(typ string, headers []Header, content []byte) *Blob {
	b := &Blob{
		typ:     typ,
		content: append([]byte(nil), content...),
	}
	if len(headers) > 0 {
		b.headers = append([]Header(nil), headers...)
	}
	return b
}

// Type returns the container type, e.g. "AES SECRET KEY".
func (b *Blob) Type() string {
	return b.typ
}

// Headers returns a copy of the headers in their original order.
func (b *Blob) Headers() []Header {
	return append([]Header(nil), b.headers...)
}

// Header returns the value of the first header with the given name.
func (b *Blob) Header(name string) (string, bool) {
	for _, h := range b.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Content returns a copy of the content bytes.
func (b *Blob) Content() []byte {
	return append([]byte(nil), b.content...)
}

// Len returns the length of the content in bytes.
func (b *Blob) Len() int {
	return len(b.content)
}

// Equal reports whether two blobs have the same type, headers and content.
func (b *Blob) Equal(other *Blob) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.typ != other.typ || len(b.headers) != len(other.headers) || len(b.content) != len(other.content) {
		return false
	}
	for i := range b.headers {
		if b.headers[i] != other.headers[i] {
			return false
		}
	}
	for i := range b.content {
		if b.content[i] != other.content[i] {
			return false
		}
	}
	return true
}
