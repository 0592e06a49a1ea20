package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisChecker_HealthCheck(t *testing.T) {
	client, _ := newClient(t)

	checker := NewRedisChecker(client)
	if checker.Name() != "redis" {
		t.Errorf("Name() = %q, want redis", checker.Name())
	}
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func TestRedisChecker_HealthCheck_ServerDown(t *testing.T) {
	client, mr := newClient(t)
	checker := NewRedisChecker(client)

	mr.Close()

	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error after redis shut down")
	}
}

func TestRedisChecker_HealthCheck_ContextCancellation(t *testing.T) {
	client, _ := newClient(t)
	checker := NewRedisChecker(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := checker.HealthCheck(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
