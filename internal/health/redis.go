// Package health provides readiness checks for the server's backing services.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds a single check when the caller's context has no deadline.
const DefaultTimeout = 2 * time.Second

// RedisChecker reports whether the graph store's Redis is reachable.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{
		client:  client,
		timeout: DefaultTimeout,
	}
}

// Name identifies the check in readiness responses.
func (r *RedisChecker) Name() string {
	return "redis"
}

// HealthCheck sends a PING and expects PONG.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	pong, err := r.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if pong != "PONG" {
		return fmt.Errorf("redis ping: unexpected reply %q", pong)
	}
	return nil
}
