package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// eventSubresources are the fixed path segments under /events/{id}.
var eventSubresources = map[string]bool{
	"graph":        true,
	"edges":        true,
	"participants": true,
	"close":        true,
	"join":         true,
	"admin":        true,
}

// normalizePath maps request paths to route patterns to keep metric label
// cardinality bounded, e.g. /events/123/graph becomes /events/{id}/graph.
// Unknown paths collapse to "other".
func normalizePath(path string) string {
	switch path {
	case "/", "/events", "/events/around", "/health", "/ready", "/metrics":
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if parts[0] != "events" || len(parts) < 2 || parts[1] == "" {
		return "other"
	}
	switch {
	case len(parts) == 2:
		return "/events/{id}"
	case len(parts) == 3 && eventSubresources[parts[2]]:
		return "/events/{id}/" + parts[2]
	}
	return "other"
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) are excluded. Websocket requests are
// recorded when the connection closes.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rw.statusCode),
				time.Since(start).Seconds(),
				rw.size,
			)
		})
	}
}
