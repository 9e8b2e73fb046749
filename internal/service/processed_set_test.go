package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryProcessedSet_FirstSeenOnly(t *testing.T) {
	set := newMemoryProcessedSet(time.Minute, 10)
	ctx := context.Background()

	first, err := set.MarkProcessed(ctx, "m1")
	if err != nil || !first {
		t.Fatalf("expected first mark to succeed, got first=%v err=%v", first, err)
	}
	again, err := set.MarkProcessed(ctx, "m1")
	if err != nil || again {
		t.Fatalf("expected second mark to report already processed, got %v err=%v", again, err)
	}
	if blank, _ := set.MarkProcessed(ctx, "  "); blank {
		t.Fatalf("expected blank id to be ignored")
	}
}

func TestMemoryProcessedSet_ExpiresAfterTTL(t *testing.T) {
	set := newMemoryProcessedSet(time.Minute, 10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	set.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = set.MarkProcessed(ctx, "m1")
	now = now.Add(59 * time.Second)
	if again, _ := set.MarkProcessed(ctx, "m1"); again {
		t.Fatalf("expected id to be remembered inside the ttl")
	}
	now = now.Add(2 * time.Second)
	if again, _ := set.MarkProcessed(ctx, "m1"); !again {
		t.Fatalf("expected id to be forgotten after the ttl")
	}
	if set.Len() != 1 {
		t.Fatalf("expected expired entries to be evicted, got %d", set.Len())
	}
}

func TestMemoryProcessedSet_BoundedBySize(t *testing.T) {
	set := newMemoryProcessedSet(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = set.MarkProcessed(ctx, fmt.Sprintf("m%d", i))
	}
	if set.Len() != 3 {
		t.Fatalf("expected set capped at 3, got %d", set.Len())
	}
	if first, _ := set.MarkProcessed(ctx, "m0"); !first {
		t.Fatalf("expected oldest id to have been dropped")
	}
	if first, _ := set.MarkProcessed(ctx, "m4"); first {
		t.Fatalf("expected newest id to still be remembered")
	}
}

type mockRedisSetNXer struct {
	lastKey string
	lastTTL time.Duration
	result  bool
	err     error
}

func (m *mockRedisSetNXer) SetNX(ctx context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	m.lastKey = key
	m.lastTTL = expiration
	cmd := redis.NewBoolCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestRedisProcessedSet(t *testing.T) {
	t.Run("first mark uses prefixed key and ttl", func(t *testing.T) {
		mock := &mockRedisSetNXer{result: true}
		set := &redisProcessedSet{client: mock, ttl: 10 * time.Minute, prefix: "relay:processed:"}

		first, err := set.MarkProcessed(context.Background(), " m1 ")
		if err != nil || !first {
			t.Fatalf("expected first mark, got %v err=%v", first, err)
		}
		if mock.lastKey != "relay:processed:m1" {
			t.Fatalf("unexpected key %q", mock.lastKey)
		}
		if mock.lastTTL != 10*time.Minute {
			t.Fatalf("unexpected ttl %v", mock.lastTTL)
		}
	})

	t.Run("existing key reports already processed", func(t *testing.T) {
		set := &redisProcessedSet{client: &mockRedisSetNXer{result: false}, ttl: time.Minute, prefix: "relay:processed:"}
		first, err := set.MarkProcessed(context.Background(), "m1")
		if err != nil || first {
			t.Fatalf("expected already processed, got %v err=%v", first, err)
		}
	})

	t.Run("redis error is returned", func(t *testing.T) {
		set := &redisProcessedSet{client: &mockRedisSetNXer{err: errors.New("redis down")}, ttl: time.Minute, prefix: "relay:processed:"}
		if _, err := set.MarkProcessed(context.Background(), "m1"); err == nil {
			t.Fatalf("expected redis error")
		}
	})
}
