package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// SendRateLimiter limita envíos por remitente.
type SendRateLimiter interface {
	Allow(key string) bool
}

const minLimiterIdle = time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// memorySendRateLimiter descarta buckets sin uso: pasado idle el bucket ya está lleno,
// así que recrearlo no cambia el resultado de Allow.
type memorySendRateLimiter struct {
	mu        sync.Mutex
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	m         map[string]*limiterEntry
	now       func() time.Time
}

// NewSendRateLimiter crea un token bucket en memoria por clave.
func NewSendRateLimiter(rps float64, burst int) SendRateLimiter {
	return newMemorySendRateLimiter(rps, burst)
}

func newMemorySendRateLimiter(rps float64, burst int) *memorySendRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < minLimiterIdle {
		idle = minLimiterIdle
	}
	return &memorySendRateLimiter{
		rps:   rps,
		burst: burst,
		idle:  idle,
		m:     make(map[string]*limiterEntry),
		now:   time.Now,
	}
}

func (l *memorySendRateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.m[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (l *memorySendRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for key, e := range l.m {
		if now.Sub(e.lastSeen) >= l.idle {
			delete(l.m, key)
		}
	}
}

func (l *memorySendRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *memorySendRateLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	return l.get(key).Allow()
}

const redisSendAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisSendRateLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

// NewRedisSendRateLimiter cuenta envíos en ventanas fijas compartidas entre procesos.
func NewRedisSendRateLimiter(client *redis.Client, window time.Duration, max int) SendRateLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	if max <= 0 {
		max = 1
	}
	return &redisSendRateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "relay:rl:",
	}
}

func (l *redisSendRateLimiter) Allow(key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	count, err := l.client.Eval(ctx, redisSendAllowScript, []string{l.prefix + normalizedKey}, l.window.Milliseconds()).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}
