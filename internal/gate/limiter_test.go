package gate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	_, ok, err := l.Allow(ctx, "k1", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first request: ok=%v err=%v", ok, err)
	}

	retryAfter, ok, err := l.Allow(ctx, "k1", 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("second request: ok=%v err=%v", ok, err)
	}
	if retryAfter <= 0 || retryAfter > 50*time.Millisecond {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	// Other keys are independent.
	if _, ok, _ := l.Allow(ctx, "k2", 50*time.Millisecond); !ok {
		t.Fatal("unrelated key rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := l.Allow(ctx, "k1", 50*time.Millisecond); !ok {
		t.Fatal("request after the interval rejected")
	}
}

func TestMemoryLimiterRejectionKeepsInterval(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	if _, ok, _ := l.Allow(ctx, "k1", 80*time.Millisecond); !ok {
		t.Fatal("first request rejected")
	}

	// Hammering does not push the window forward.
	time.Sleep(40 * time.Millisecond)
	first, ok, _ := l.Allow(ctx, "k1", 80*time.Millisecond)
	if ok {
		t.Fatal("request inside the interval accepted")
	}
	second, ok, _ := l.Allow(ctx, "k1", 80*time.Millisecond)
	if ok {
		t.Fatal("retry inside the interval accepted")
	}
	if second > first {
		t.Fatalf("rejection reset the interval: %v then %v", first, second)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := NewRedisLimiter(rdb)
	ctx := context.Background()

	_, ok, err := l.Allow(ctx, "k1", time.Second)
	if err != nil || !ok {
		t.Fatalf("first request: ok=%v err=%v", ok, err)
	}

	retryAfter, ok, err := l.Allow(ctx, "k1", time.Second)
	if err != nil || ok {
		t.Fatalf("second request: ok=%v err=%v", ok, err)
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	if _, ok, _ := l.Allow(ctx, "k2", time.Second); !ok {
		t.Fatal("unrelated key rejected")
	}

	mr.FastForward(time.Second)
	if _, ok, _ := l.Allow(ctx, "k1", time.Second); !ok {
		t.Fatal("request after the interval rejected")
	}
}

func TestRedisLimiterDegradesOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	l := NewRedisLimiter(rdb)

	// An unreachable Redis must not take the gateway down with it.
	_, ok, err := l.Allow(context.Background(), "k1", time.Second)
	if err != nil || !ok {
		t.Fatalf("degraded limiter: ok=%v err=%v", ok, err)
	}
}
