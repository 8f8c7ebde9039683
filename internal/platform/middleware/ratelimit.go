package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/visitflow/internal/platform/auth"
)

// Limiter decides whether one more request for key is allowed. retryAfter is
// meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Second, nil
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter counts requests per key in fixed windows shared by every
// server instance.
type RedisLimiter struct {
	client counter
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client counter, prefix string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	bucket := fmt.Sprintf("%s:ratelimit:%s:%d", l.prefix, key, slot)

	n, err := l.client.Incr(ctx, bucket).Result()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, bucket, l.window).Err(); err != nil {
			return true, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n > l.limit {
		end := time.Unix(0, (slot+1)*int64(l.window))
		return false, end.Sub(now), nil
	}
	return true, 0, nil
}

// RateLimit limits requests per acting staff member, or per client IP before
// authentication. Limiter errors let the request through.
func RateLimit(limiter Limiter, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
				key = "staff:" + id
			}
			if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
				key = tid + ":" + key
			}

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				return next(c)
			}
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
