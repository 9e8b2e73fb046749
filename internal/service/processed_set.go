package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultProcessedTTL = 10 * time.Minute
	DefaultProcessedMax = 100000
)

// ProcessedSet recuerda los ids de mensajes ya difundidos para no entregarlos dos veces.
// MarkProcessed devuelve true sólo la primera vez que ve un id dentro de su ventana.
type ProcessedSet interface {
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
}

type processedEntry struct {
	id        string
	expiresAt time.Time
}

// memoryProcessedSet acota el set por TTL y por tamaño; el TTL es fijo, así que el
// orden de inserción coincide con el de expiración y basta una cola FIFO.
type memoryProcessedSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	items map[string]time.Time
	order []processedEntry
	now   func() time.Time
}

func NewMemoryProcessedSet(ttl time.Duration, max int) ProcessedSet {
	return newMemoryProcessedSet(ttl, max)
}

func newMemoryProcessedSet(ttl time.Duration, max int) *memoryProcessedSet {
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	if max <= 0 {
		max = DefaultProcessedMax
	}
	return &memoryProcessedSet{
		ttl:   ttl,
		max:   max,
		items: make(map[string]time.Time),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryProcessedSet) MarkProcessed(_ context.Context, messageID string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)
	if _, ok := s.items[messageID]; ok {
		return false, nil
	}
	expiresAt := now.Add(s.ttl)
	s.items[messageID] = expiresAt
	s.order = append(s.order, processedEntry{id: messageID, expiresAt: expiresAt})
	for len(s.order) > s.max {
		s.drop()
	}
	return true, nil
}

func (s *memoryProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memoryProcessedSet) evict(now time.Time) {
	for len(s.order) > 0 && !now.Before(s.order[0].expiresAt) {
		s.drop()
	}
}

func (s *memoryProcessedSet) drop() {
	head := s.order[0]
	s.order = s.order[1:]
	if exp, ok := s.items[head.id]; ok && exp.Equal(head.expiresAt) {
		delete(s.items, head.id)
	}
}

type redisSetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type redisProcessedSet struct {
	client redisSetNXer
	ttl    time.Duration
	prefix string
}

// NewRedisProcessedSet comparte el set entre procesos usando SET NX con expiración.
func NewRedisProcessedSet(client *redis.Client, ttl time.Duration) ProcessedSet {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	return &redisProcessedSet{
		client: client,
		ttl:    ttl,
		prefix: "relay:processed:",
	}
}

func (s *redisProcessedSet) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return s.client.SetNX(ctx, s.prefix+messageID, 1, s.ttl).Result()
}
