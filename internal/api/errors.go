package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/soulwing/s2ks/internal/keyerr"
)

// APIError is the JSON error body returned by the key API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	KeyID      string `json:"key_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	json.NewEncoder(w).Encode(e)
}

// with returns a copy of e for a specific key and request.
func (e *APIError) with(keyID, requestID string) *APIError {
	c := *e
	c.KeyID = keyID
	c.RequestID = requestID
	return &c
}

// throttlingCodes are backend error codes reported as 503.
var throttlingCodes = map[string]bool{
	"SlowDown":               true,
	"ThrottlingException":    true,
	"RequestLimitExceeded":   true,
	"ServiceUnavailable":     true,
	"KMSInternalException":   true,
	"LimitExceededException": true,
}

// TranslateError maps a key storage error to an API error. Server-side
// failures do not expose their cause.
func TranslateError(err error, keyID string) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.with(keyID, apiErr.RequestID)
	}

	kind, ok := keyerr.KindOf(err)
	if !ok {
		return ErrInternal.with(keyID, "")
	}

	switch kind {
	case keyerr.NotFound:
		return &APIError{
			Code:       "NotFound",
			Message:    fmt.Sprintf("no key stored under %s", keyID),
			KeyID:      keyID,
			HTTPStatus: http.StatusNotFound,
		}
	case keyerr.DecodeFailure, keyerr.UnwrapFailure, keyerr.MetadataUnwrapFailure:
		return &APIError{
			Code:       codeFor(kind),
			Message:    fmt.Sprintf("stored key %s could not be read: %s", keyID, kind),
			KeyID:      keyID,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case keyerr.StorageFailure:
		var ae smithy.APIError
		if errors.As(err, &ae) && throttlingCodes[ae.ErrorCode()] {
			return &APIError{
				Code:       "ServiceUnavailable",
				Message:    "storage backend is unavailable, retry later",
				KeyID:      keyID,
				HTTPStatus: http.StatusServiceUnavailable,
			}
		}
		return &APIError{
			Code:       codeFor(kind),
			Message:    "storage backend request failed",
			KeyID:      keyID,
			HTTPStatus: http.StatusBadGateway,
		}
	}
	return &APIError{
		Code:       codeFor(kind),
		Message:    kind.String(),
		KeyID:      keyID,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// codeFor turns a kind name into a code: "not found" becomes "NotFound".
func codeFor(kind keyerr.Kind) string {
	name := []byte(kind.String())
	out := make([]byte, 0, len(name))
	upper := true
	for _, c := range name {
		if c == ' ' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

// Predefined API errors.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidKeyID = &APIError{
		Code:       "InvalidKeyId",
		Message:    "The specified key id is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "The request body exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
