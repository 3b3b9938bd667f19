package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginThrottle counts failed logins per identifier in redis and blocks
// further attempts once the limit is reached inside the window. All methods
// are nil-safe and fail open: a redis outage must never lock out logins.
type LoginThrottle struct {
	client *redis.Client
	logger *slog.Logger
	max    int
	window time.Duration
}

// NewLoginThrottle constructs a LoginThrottle.
func NewLoginThrottle(client *redis.Client, logger *slog.Logger, max int, window time.Duration) *LoginThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &LoginThrottle{client: client, logger: logger, max: max, window: window}
}

func throttleKey(identifier string) string {
	return "login:fail:" + strings.ToLower(identifier)
}

// Blocked reports whether the identifier has exhausted its attempts.
func (t *LoginThrottle) Blocked(ctx context.Context, identifier string) bool {
	if t == nil || t.client == nil {
		return false
	}
	count, err := t.client.Get(ctx, throttleKey(identifier)).Int()
	if err != nil {
		if err != redis.Nil {
			t.logger.Warn("throttle lookup", slog.Any("error", err))
		}
		return false
	}
	return count >= t.max
}

// Fail records a failed attempt. The window starts at the first failure.
func (t *LoginThrottle) Fail(ctx context.Context, identifier string) {
	if t == nil || t.client == nil {
		return
	}
	key := throttleKey(identifier)
	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		t.logger.Warn("throttle incr", slog.Any("error", err))
		return
	}
	if count == 1 {
		if err := t.client.Expire(ctx, key, t.window).Err(); err != nil {
			t.logger.Warn("throttle expire", slog.Any("error", err))
		}
	}
}

// Reset clears the counter after a successful login.
func (t *LoginThrottle) Reset(ctx context.Context, identifier string) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Del(ctx, throttleKey(identifier)).Err(); err != nil {
		t.logger.Warn("throttle reset", slog.Any("error", err))
	}
}
