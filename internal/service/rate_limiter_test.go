package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisEvaler struct {
	lastScript string
	lastKeys   []string
	lastArgs   []interface{}
	result     int64
	err        error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastScript = script
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestMemoryRateLimiterAllow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryRateLimiter(time.Minute, 2).(*memoryRateLimiter)
	l.now = func() time.Time { return now }

	if !l.Allow("sess-1") || !l.Allow(" SESS-1 ") {
		t.Fatalf("expected first two hits allowed")
	}
	if l.Allow("sess-1") {
		t.Fatalf("expected third hit in window denied")
	}
	if !l.Allow("sess-2") {
		t.Fatalf("expected other key unaffected")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("sess-1") {
		t.Fatalf("expected hit allowed once window slides")
	}
	if l.Allow("  ") {
		t.Fatalf("expected empty key rejected")
	}
}

func TestMemoryRateLimiterDropsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryRateLimiter(time.Minute, 5).(*memoryRateLimiter)
	l.now = func() time.Time { return now }

	for _, key := range []string{"sess-1", "sess-2", "sess-3"} {
		if !l.Allow(key) {
			t.Fatalf("expected %s allowed", key)
		}
	}
	if len(l.hits) != 3 {
		t.Fatalf("expected 3 tracked keys, got %d", len(l.hits))
	}

	now = now.Add(2 * time.Minute)
	if !l.Allow("sess-4") {
		t.Fatal("expected sess-4 allowed")
	}
	if len(l.hits) != 1 {
		t.Fatalf("expected idle keys dropped, got %v", l.hits)
	}
}

func TestRedisRateLimiterAllow(t *testing.T) {
	t.Run("nil receiver fail-open", func(t *testing.T) {
		var l *redisRateLimiter
		if !l.Allow("sess-1") {
			t.Fatalf("expected fail-open for nil limiter")
		}
	})

	t.Run("allow when count within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 2}
		l := &redisRateLimiter{client: mock, window: 2 * time.Minute, max: 3, prefix: "chat:rl:"}
		if !l.Allow(" Sess-1 ") {
			t.Fatalf("expected allow when count <= max")
		}
		if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "chat:rl:sess-1" {
			t.Fatalf("unexpected key normalization, got %+v", mock.lastKeys)
		}
		if len(mock.lastArgs) != 1 || mock.lastArgs[0] != 120 {
			t.Fatalf("expected TTL seconds=120, got %+v", mock.lastArgs)
		}
		if mock.lastScript != redisChatAllowScript {
			t.Fatalf("expected script to match")
		}
	})

	t.Run("deny when count exceeds max", func(t *testing.T) {
		l := &redisRateLimiter{client: &mockRedisEvaler{result: 4}, window: time.Minute, max: 3, prefix: "chat:rl:"}
		if l.Allow("sess-1") {
			t.Fatalf("expected deny when count > max")
		}
	})

	t.Run("redis error fail-open", func(t *testing.T) {
		l := &redisRateLimiter{client: &mockRedisEvaler{err: errors.New("redis down")}, window: time.Minute, max: 3, prefix: "chat:rl:"}
		if !l.Allow("sess-1") {
			t.Fatalf("expected fail-open on redis errors")
		}
	})
}
