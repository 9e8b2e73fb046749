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

func TestMemorySendRateLimiterAllow(t *testing.T) {
	l := NewSendRateLimiter(1, 2)

	if !l.Allow("1") || !l.Allow("1") {
		t.Fatalf("expected burst to be allowed")
	}
	if l.Allow("1") {
		t.Fatalf("expected deny once burst is spent")
	}
	if !l.Allow("2") {
		t.Fatalf("expected independent bucket per key")
	}
	if l.Allow(" ") {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestMemorySendRateLimiter_EvictsIdleSenders(t *testing.T) {
	l := newMemorySendRateLimiter(1, 2)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	l.now = func() time.Time { return now }

	for _, key := range []string{"1", "2", "3"} {
		l.Allow(key)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", l.Len())
	}

	now = t0.Add(l.idle - time.Second)
	l.Allow("1")

	now = t0.Add(l.idle)
	l.Allow("4")
	if l.Len() != 2 {
		t.Fatalf("expected idle senders evicted, got %d buckets", l.Len())
	}
	if _, ok := l.m["1"]; !ok {
		t.Fatalf("expected recently used sender to keep its bucket")
	}
}

func TestRedisSendRateLimiterAllow(t *testing.T) {
	t.Run("nil receiver fail-open", func(t *testing.T) {
		var l *redisSendRateLimiter
		if !l.Allow("1") {
			t.Fatalf("expected fail-open for nil limiter")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		l := &redisSendRateLimiter{
			client: &mockRedisEvaler{result: 1},
			window: time.Second,
			max:    3,
			prefix: "relay:rl:",
		}
		if l.Allow("   ") {
			t.Fatalf("expected empty key to be rejected")
		}
	})

	t.Run("allow when count within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 2}
		l := &redisSendRateLimiter{
			client: mock,
			window: 2 * time.Second,
			max:    3,
			prefix: "relay:rl:",
		}
		if !l.Allow(" 42 ") {
			t.Fatalf("expected allow when count <= max")
		}
		if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "relay:rl:42" {
			t.Fatalf("unexpected key normalization, got %+v", mock.lastKeys)
		}
		if len(mock.lastArgs) != 1 || mock.lastArgs[0] != int64(2000) {
			t.Fatalf("expected window millis=2000, got %+v", mock.lastArgs)
		}
		if mock.lastScript != redisSendAllowScript {
			t.Fatalf("expected script to match")
		}
	})

	t.Run("deny when count exceeds max", func(t *testing.T) {
		l := &redisSendRateLimiter{
			client: &mockRedisEvaler{result: 4},
			window: time.Second,
			max:    3,
			prefix: "relay:rl:",
		}
		if l.Allow("42") {
			t.Fatalf("expected deny when count > max")
		}
	})

	t.Run("redis error fail-open", func(t *testing.T) {
		l := &redisSendRateLimiter{
			client: &mockRedisEvaler{err: errors.New("redis down")},
			window: time.Second,
			max:    3,
			prefix: "relay:rl:",
		}
		if !l.Allow("42") {
			t.Fatalf("expected fail-open on redis errors")
		}
	})
}
