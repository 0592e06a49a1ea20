package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// untracedPaths are polled by infrastructure and would drown real traces.
var untracedPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Tracing wraps handlers in an OpenTelemetry server span named
// "<METHOD> <route>", where the route is the templated path
// ("/events/{id}/graph"), and tags it with the event id. W3C trace context is
// read from incoming headers.
//
// Infrastructure paths and websocket upgrades are not traced; a session span
// would stay open for the whole connection.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := eventIDFromPath(r.URL.Path); id != "" {
				trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("event.id", id))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !untracedPaths[r.URL.Path] && !isWebsocketUpgrade(r)
			}),
		)
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// eventIDFromPath returns the {id} segment of /events/{id}[/...] routes.
func eventIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/events/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "around" {
		return ""
	}
	return id
}

// GetTraceID returns the active trace id, or "" outside a span.
func GetTraceID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID returns the active span id, or "" outside a span.
func GetSpanID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}
