package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RapidScanGuard is the cheap first-line rejection of accidental
// double-triggers (a camera firing twice). It runs before any state
// analysis and acts as a rate limiter, not a lock.
type RapidScanGuard interface {
	// Allow reports whether a scan for key may proceed, claiming the
	// window as a side effect so the next scan inside it is rejected.
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// RedisGuard claims scan windows with SET NX EX so the guard holds across
// API instances sharing one Redis.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard builds a guard over the given client.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "scanme:rapid"
	}
	return &RedisGuard{client: client, prefix: prefix}
}

// Allow claims the window for key. A guard backend failure allows the scan;
// the state machine still catches duplicates downstream.
func (g *RedisGuard) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+":"+key, 1, window).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}

// MemoryGuard is the in-process backend for dev and tests.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates a guard using the wall clock.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]time.Time), now: time.Now}
}

// NewMemoryGuardAt creates a guard on an injected clock for tests.
func NewMemoryGuardAt(now func() time.Time) *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]time.Time), now: now}
}

// Allow claims the window for key in process memory.
func (g *MemoryGuard) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := g.seen[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	g.seen[key] = now
	return true, nil
}
