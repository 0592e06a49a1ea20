package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/swarmlight/internal/middleware"
)

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(token string) (string, error) {
	if user, ok := a[token]; ok {
		return user, nil
	}
	return "", http.ErrNoCookie
}

// TestIntegration_CompleteMiddlewareStack runs a request through the same
// chain the server builds and checks that the log line carries values set by
// inner layers.
func TestIntegration_CompleteMiddlewareStack(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if middleware.GetRequestID(r.Context()) == "" {
			t.Error("request ID not available in handler")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"nodes":{}}`))
	})

	limiter := middleware.RateLimiter(
		middleware.NewInMemoryRateLimitStore(),
		middleware.RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute},
		middleware.IPKeyFunc(),
		nil,
	)
	stack := middleware.RequestID(
		middleware.Logging(logger)(
			middleware.HTTPMetrics(middleware.NewMetrics())(
				limiter(middleware.RequireAdmin(tokenAuth{"tok": "admin-7"})(inner)),
			),
		),
	)

	req := httptest.NewRequest(http.MethodGet, "/events/evt-1/graph", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	stack.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected X-Request-ID header")
	}

	logOutput := logBuf.String()
	for _, field := range []string{
		"method=GET",
		"path=/events/evt-1/graph",
		"status=200",
		"request_id=",
		"admin_id=admin-7",
	} {
		if !strings.Contains(logOutput, field) {
			t.Errorf("expected log to contain %q, got: %s", field, logOutput)
		}
	}
}

func TestIntegration_UnauthorizedIsLoggedWithCode(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	stack := middleware.Logging(logger)(
		middleware.RequireAdmin(tokenAuth{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run")
		})),
	)

	rr := httptest.NewRecorder()
	stack.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/events/evt-1/close", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	logOutput := logBuf.String()
	if !strings.Contains(logOutput, "level=WARN") || !strings.Contains(logOutput, "error_code=auth_failed") {
		t.Errorf("expected warn line with error_code=auth_failed, got: %s", logOutput)
	}
}
