// Package ratelimit throttles the public contract review endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Duration
}

// Limiter counts hits per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Rule is a fixed-window limit. Once a key goes over Limit in a Window it is
// blocked for Block.
type Rule struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
}

func (r Rule) normalized() Rule {
	if r.Limit <= 0 {
		r.Limit = 30
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	if r.Block <= 0 {
		r.Block = r.Window
	}
	return r
}

// RedisLimiter keeps counters in Redis so limits hold across replicas.
type RedisLimiter struct {
	rdb    redis.Cmdable
	rule   Rule
	prefix string
}

// NewRedis creates a Redis-backed limiter. Keys are stored under prefix.
func NewRedis(rdb redis.Cmdable, rule Rule, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{rdb: rdb, rule: rule.normalized(), prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	counterKey := l.prefix + ":" + key
	blockKey := counterKey + ":blocked"
	d := Decision{Limit: l.rule.Limit}

	ttl, err := l.rdb.PTTL(ctx, blockKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: read block: %w", err)
	}
	if ttl > 0 {
		d.RetryAfter = ttl
		return d, nil
	}

	count, err := l.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.PExpire(ctx, counterKey, l.rule.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	if count > int64(l.rule.Limit) {
		if err := l.rdb.Set(ctx, blockKey, "1", l.rule.Block).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: block: %w", err)
		}
		d.RetryAfter = l.rule.Block
		return d, nil
	}

	reset, err := l.rdb.PTTL(ctx, counterKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("ratelimit: read window: %w", err)
	}
	d.Allowed = true
	d.Remaining = l.rule.Limit - int(count)
	if reset > 0 {
		d.Reset = reset
	}
	return d, nil
}

type window struct {
	count        int
	resetAt      time.Time
	blockedUntil time.Time
}

// MemoryLimiter is the single-process fallback used when Redis is not
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	rule    Rule
	now     func() time.Time
	windows map[string]*window
}

// NewMemory creates an in-process limiter.
func NewMemory(rule Rule) *MemoryLimiter {
	return &MemoryLimiter{
		rule:    rule.normalized(),
		now:     func() time.Time { return time.Now().UTC() },
		windows: make(map[string]*window),
	}
}

// WithClock overrides the clock.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	d := Decision{Limit: l.rule.Limit}

	w, ok := l.windows[key]
	if ok && now.Before(w.blockedUntil) {
		d.RetryAfter = w.blockedUntil.Sub(now)
		return d, nil
	}
	if !ok || !now.Before(w.resetAt) {
		l.sweep(now)
		w = &window{resetAt: now.Add(l.rule.Window)}
		l.windows[key] = w
	}

	w.count++
	if w.count > l.rule.Limit {
		w.blockedUntil = now.Add(l.rule.Block)
		d.RetryAfter = l.rule.Block
		return d, nil
	}

	d.Allowed = true
	d.Remaining = l.rule.Limit - w.count
	d.Reset = w.resetAt.Sub(now)
	return d, nil
}

// sweep drops windows that are neither counting nor blocking.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) && !now.Before(w.blockedUntil) {
			delete(l.windows, k)
		}
	}
}
