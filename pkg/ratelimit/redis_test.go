package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisLimiter(t *testing.T, limit int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, limit, time.Minute), mr
}

func TestRedisLimiterCountsAcrossCalls(t *testing.T) {
	l, _ := testRedisLimiter(t, 2)
	if v := l.AllowCall("5551234567"); !v.Allowed || v.Attempts != 1 {
		t.Fatalf("first attempt: %+v", v)
	}
	if v := l.AllowCall("5551234567"); !v.Allowed || v.Attempts != 2 {
		t.Fatalf("second attempt: %+v", v)
	}
	v := l.AllowCall("5551234567")
	if v.Allowed || v.Attempts != 3 {
		t.Fatalf("third attempt should be blocked: %+v", v)
	}
	if v.RetryAfter <= 0 {
		t.Fatalf("blocked verdict should carry a retry hint: %+v", v)
	}
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	l, mr := testRedisLimiter(t, 1)
	if v := l.AllowCall("5551234567"); !v.Allowed {
		t.Fatalf("first attempt blocked: %+v", v)
	}
	if v := l.AllowCall("5551234567"); v.Allowed {
		t.Fatal("second attempt should be blocked")
	}
	mr.FastForward(61 * time.Second)
	if v := l.AllowCall("5551234567"); !v.Allowed {
		t.Fatalf("attempt after window should be allowed: %+v", v)
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	l, mr := testRedisLimiter(t, 1)
	mr.Close()
	if v := l.AllowCall("5551234567"); !v.Allowed {
		t.Fatalf("fallback first attempt blocked: %+v", v)
	}
	if v := l.AllowCall("5551234567"); v.Allowed {
		t.Fatal("fallback should still enforce the limit")
	}
}

func TestRedisLimiterNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, 1, time.Minute)
	if v := l.AllowCall("5551234567"); !v.Allowed {
		t.Fatalf("nil client first attempt blocked: %+v", v)
	}
	if v := l.AllowCall("5551234567"); v.Allowed {
		t.Fatal("nil client fallback should enforce the limit")
	}
}
