package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

// New connects the throttle cache. Callers treat a failed connect as a
// degraded start (login throttling disabled), so the ping is kept short
// rather than blocking boot on an unreachable server.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w: %w", httpx.ErrUnavailable, err)
	}

	return client, nil
}
