package gate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces the minimum interval between requests of one key. A
// rejected request must not reset the interval: back-to-back retries stay
// rejected until the full interval since the last accepted request passes.
type Limiter interface {
	// Allow reports whether a request for the key may proceed now. When it
	// may not, retryAfter is the remaining wait.
	Allow(ctx context.Context, keyID string, interval time.Duration) (retryAfter time.Duration, ok bool, err error)
}

// MemoryLimiter is the single-instance limiter.
type MemoryLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{last: make(map[string]time.Time)}
}

func (l *MemoryLimiter) Allow(_ context.Context, keyID string, interval time.Duration) (time.Duration, bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[keyID]; ok {
		if elapsed := now.Sub(last); elapsed < interval {
			return interval - elapsed, false, nil
		}
	}
	l.last[keyID] = now
	return 0, true, nil
}

// minIntervalScript atomically claims the interval slot for a key. The key
// exists for the duration of the interval; a rejected request leaves the TTL
// untouched.
// KEYS[1] = Redis key
// ARGV[1] = interval in milliseconds
// Returns 0 if allowed, else the remaining TTL in milliseconds.
var minIntervalScript = redis.NewScript(`
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl > 0 then
			return ttl
		end
		redis.call('SET', KEYS[1], 1, 'PX', tonumber(ARGV[1]))
		return 0
`)

// RedisLimiter shares the interval across gateway instances.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, keyID string, interval time.Duration) (time.Duration, bool, error) {
	remaining, err := minIntervalScript.Run(ctx, l.rdb,
		[]string{"rate:" + keyID},
		interval.Milliseconds(),
	).Int64()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return 0, true, nil
	}

	if remaining > 0 {
		return time.Duration(remaining) * time.Millisecond, false, nil
	}
	return 0, true, nil
}
