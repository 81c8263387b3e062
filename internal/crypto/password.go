package crypto

import (
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
)

// MaxPasswordLength is the longest password accepted by ReadPassword.
const MaxPasswordLength = 1024

// ReadPassword reads an ASCII password from r. The password is the text
// before the first CR or LF. Input longer than MaxPasswordLength is
// rejected even when a line break occurs earlier. The returned slice may be
// empty; the caller is responsible for wiping it.
func ReadPassword(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxPasswordLength+1)
	defer memguard.WipeBytes(buf)

	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if n > MaxPasswordLength {
		return nil, fmt.Errorf("password must not be longer than %d characters", MaxPasswordLength)
	}

	length := 0
	for length < n && buf[length] != '\r' && buf[length] != '\n' {
		if buf[length] > 0x7f {
			return nil, fmt.Errorf("password must contain only ASCII characters")
		}
		length++
	}
	return append(make([]byte, 0, length), buf[:length]...), nil
}

// ReadPasswordFile reads a password from the named file.
func ReadPasswordFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open password file: %w", err)
	}
	defer f.Close()
	return ReadPassword(f)
}
