// Package keyerr defines the closed set of error kinds reported by key
// storage operations.
package keyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a key storage failure.
type Kind int

const (
	// StorageFailure is any I/O error from a storage backend other than absence.
	StorageFailure Kind = iota
	// NotFound means no content is stored at the resolved path.
	NotFound
	// WrapFailure is a cryptographic failure while wrapping a key.
	WrapFailure
	// UnwrapFailure is a cryptographic failure while unwrapping a key,
	// including a missing or malformed DEK-Info header.
	UnwrapFailure
	// DecodeFailure is a malformed container or unrecognized type line.
	DecodeFailure
	// MetadataWrapFailure is a failure signing metadata.
	MetadataWrapFailure
	// MetadataUnwrapFailure is a failure verifying or decoding signed metadata.
	MetadataUnwrapFailure
	// NoSuchProvider means no provider is registered under the requested name.
	NoSuchProvider
	// ProviderConfiguration is a missing or invalid provider property, or an
	// unsupported key algorithm.
	ProviderConfiguration
)

var kindNames = map[Kind]string{
	StorageFailure:        "storage failure",
	NotFound:              "not found",
	WrapFailure:           "wrap failure",
	UnwrapFailure:         "unwrap failure",
	DecodeFailure:         "decode failure",
	MetadataWrapFailure:   "metadata wrap failure",
	MetadataUnwrapFailure: "metadata unwrap failure",
	NoSuchProvider:        "no such provider",
	ProviderConfiguration: "provider configuration",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a key storage error carrying its kind and underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with no cause.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind retaining err as its cause.
// An err that is already a keyerr.Error of the same kind is returned as is.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) && ke.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the outermost keyerr.Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// Is reports whether err is a keyerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
