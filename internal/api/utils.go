package api

import (
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/soulwing/s2ks/internal/middleware"
)

// maxKeyIDLength bounds key ids accepted over HTTP.
const maxKeyIDLength = 512

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// getRequestID returns the id assigned by the request id middleware, the
// client's header, or a fresh one.
func getRequestID(r *http.Request) string {
	if rid := middleware.RequestIDFromContext(r.Context()); rid != "" {
		return rid
	}
	if rid := r.Header.Get(middleware.RequestIDHeader); rid != "" {
		return rid
	}
	return uuid.NewString()
}

// validKeyID reports whether id is usable as a storage path: slash
// separated segments, none empty, "." or "..", and no control characters
// or backslashes.
func validKeyID(id string) bool {
	if id == "" || len(id) > maxKeyIDLength {
		return false
	}
	for _, segment := range strings.Split(id, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return false
		}
	}
	for _, c := range id {
		if c == '\\' || unicode.IsControl(c) {
			return false
		}
	}
	return true
}
