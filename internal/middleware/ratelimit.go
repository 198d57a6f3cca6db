package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
)

// tokenBucketScript refills and takes one token atomically. It returns
// {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
	tokens = math.min(capacity, tokens + (intervals * refill_tokens))
	last_refill = last_refill + (intervals * interval_ms)
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// Decision is the outcome of one TokenBucket.Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every replica.
type TokenBucket struct {
	rdb redis.Scripter
	cfg config.RateLimitConfig
	now func() time.Time
}

func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter) *TokenBucket {
	return &TokenBucket{rdb: rdb, cfg: cfg, now: time.Now}
}

// Allow takes one token from the bucket named key.
func (tb *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	args := []interface{}{
		tb.now().UnixMilli(),
		tb.cfg.Capacity,
		tb.cfg.RefillTokens,
		tb.cfg.RefillInterval.Milliseconds(),
		int64(tb.cfg.TTL / time.Second),
	}
	vals, err := tokenBucketScript.Run(ctx, tb.rdb, []string{tb.cfg.Prefix + ":" + key}, args...).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", vals)
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// RateLimit throttles per caller and route. Authenticated callers are keyed
// by holder id, anonymous ones by IP. A Redis failure lets the request
// through.
func RateLimit(tb *TokenBucket, log *zap.Logger) echo.MiddlewareFunc {
	if tb == nil || tb.rdb == nil || !tb.cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(c)
			d, err := tb.Allow(c.Request().Context(), key)
			if err != nil {
				log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				return next(c)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(tb.cfg.Capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "too_many_requests",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}

func rateKey(c echo.Context) string {
	route := c.Request().Method + " " + c.Path()
	if id := HolderID(c); id != "" {
		return "user:" + id + ":" + route
	}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip + ":" + route
}
