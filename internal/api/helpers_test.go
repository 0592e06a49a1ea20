package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/swarmlight/internal/auth"
	"github.com/onnwee/swarmlight/internal/event"
	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/middleware"
)

const testSecret = "test-secret-with-at-least-32-bytes!!"

var testAnchor = geo.Point{Latitude: 45.0703, Longitude: 7.6869}

// testEnv is a fully wired router over in-memory graph stores.
type testEnv struct {
	t        *testing.T
	registry *event.Registry
	jwt      *auth.JWTService
	metrics  *middleware.Metrics
	handler  http.Handler

	mu     sync.Mutex
	stores map[string]*graph.InMemoryStore
}

type envOption func(*RouterConfig)

func withRateLimit(limit int) envOption {
	return func(c *RouterConfig) {
		c.RateLimitStore = middleware.NewInMemoryRateLimitStore()
		c.GlobalLimit = middleware.RateLimitConfig{RequestsPerWindow: limit, WindowDuration: time.Minute}
		c.ConnectLimit = c.GlobalLimit
	}
}

func withOrigins(origins ...string) envOption {
	return func(c *RouterConfig) {
		c.AllowedOrigins = origins
	}
}

// newTestEnv opens evt-1 administered by admin-1 at testAnchor.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		t:       t,
		jwt:     auth.NewJWTService(testSecret),
		metrics: middleware.NewMetrics(),
		stores:  make(map[string]*graph.InMemoryStore),
	}
	env.registry = event.NewRegistry(event.RegistryConfig{
		NewStore: func(eventID string) graph.Store {
			env.mu.Lock()
			defer env.mu.Unlock()
			s := graph.NewInMemoryStore()
			env.stores[eventID] = s
			return s
		},
		Session: event.SessionOptions{
			Debounce: time.Hour,
			MaxWait:  time.Hour,
			Logger:   logger,
		},
		AroundRadius: 5000,
		Logger:       logger,
	})
	t.Cleanup(env.registry.Shutdown)

	if _, err := env.registry.Open(event.Record{ID: "evt-1", Name: "Main square", AdminID: "admin-1", Anchor: testAnchor}); err != nil {
		t.Fatalf("open evt-1: %v", err)
	}

	config := RouterConfig{
		Events: NewEventHandlers(env.registry),
		WebSockets: NewWebSocketHandlers(WebSocketConfig{
			Registry:      env.registry,
			Authenticator: env.jwt,
			Metrics:       env.metrics,
			AuthTimeout:   time.Second,
			Logger:        logger,
		}),
		Health:        NewHealthHandlers(HealthHandlersConfig{}),
		Authenticator: env.jwt,
		HTTPMetrics:   env.metrics,
	}
	for _, opt := range opts {
		opt(&config)
	}
	env.handler = middleware.Logging(logger)(NewRouter(config))
	return env
}

func (e *testEnv) store(eventID string) *graph.InMemoryStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stores[eventID]
}

func (e *testEnv) token(userID string) string {
	e.t.Helper()
	token, err := e.jwt.GenerateAccessToken(userID)
	if err != nil {
		e.t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

// do serves one request; userID, when set, is sent as a bearer token.
func (e *testEnv) do(method, path, userID string, body []byte) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4000"
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(userID))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) server() *httptest.Server {
	srv := httptest.NewServer(e.handler)
	e.t.Cleanup(srv.Close)
	return srv
}

// discardSender drops every message.
type discardSender struct{}

func (discardSender) Send(context.Context, event.Message) error { return nil }

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
