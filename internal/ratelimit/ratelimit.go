// Package ratelimit throttles webhook ingress with a token bucket per key.
// The bucket lives in Redis when one is configured so every replica shares
// it, and in process memory otherwise.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

func (c LimiterConfig) normalized() LimiterConfig {
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = c.RPS
	}
	return c
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KEYS[1] bucket, ARGV[1] burst, ARGV[2] tokens per second, ARGV[3] now (ms).
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
tokens = math.min(max_tokens, tokens + delta * refill_rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', key, math.ceil(max_tokens / refill_rate * 1000) + 1000)
return allowed
`)

type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	cfg    LimiterConfig
}

func NewRedis(rdb *redis.Client, prefix string, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, cfg: cfg.normalized()}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := tokenBucket.Run(ctx, rl.rdb, []string{rl.prefix + ":" + key}, rl.cfg.Burst, rl.cfg.RPS, now).Int64()
	if err != nil {
		slog.Error("redis rate limit eval failed", "key", key, "error", err)
		return false, err
	}
	return res == 1, nil
}

// LocalLimiter keeps one rate.Limiter per key. Buckets idle for longer than
// a minute are dropped on the next sweep.
type LocalLimiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const idleBucket = time.Minute

func NewLocal(cfg LimiterConfig) *LocalLimiter {
	return &LocalLimiter{cfg: cfg.normalized(), now: time.Now, buckets: map[string]*localBucket{}}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > idleBucket {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > idleBucket {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// Middleware rejects requests over the limit with 429. Limiter errors fail
// closed with 500.
func Middleware(l Limiter, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := l.Allow(r.Context(), keyFunc(r))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "rate limiter error")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": status})
}

func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyByPathAndIP buckets webhook calls per endpoint and caller.
func KeyByPathAndIP(r *http.Request) string {
	return r.URL.Path + "|" + KeyByIP(r)
}
