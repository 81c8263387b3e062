package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used for server spans.
const TracerName = "github.com/soulwing/s2ks/internal/middleware"

// safeHeaders are copied onto spans as-is.
var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"accept-encoding",
	"user-agent",
	"x-request-id",
}

// sensitiveHeaders are copied onto spans only when redaction is off.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"x-api-key",
}

// TracingMiddleware starts a server span per request. It must be installed
// with Router.Use so that the matched route is known. With redactSensitive
// set, key ids, query strings and credentials are kept out of the span.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if id := mux.Vars(r)["id"]; id != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("key.id", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("key.id", id))
				}
			}
			if requestID := RequestIDFromContext(r.Context()); requestID != "" {
				span.SetAttributes(attribute.String("request.id", requestID))
			}
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// routeTemplate returns the matched mux route template, or the raw path
// outside a router.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// getSpanName names key operations after what they do and everything else
// after the method and route.
func getSpanName(method, route string) string {
	if strings.HasPrefix(route, "/v1/keys/") {
		switch method {
		case http.MethodGet:
			return "key.retrieve"
		case http.MethodPut:
			return "key.store"
		}
	}
	if route == "" {
		return "HTTP " + method
	}
	return "HTTP " + method + " " + route
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
