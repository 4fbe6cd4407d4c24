package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupCache remembers recently seen message ids for a bounded window,
// backing ExactlyOnce delivery. Follows RedisLimiterStore's client
// construction and self-expiring key pattern, generalized from token
// buckets to a seen-before set.
type DedupCache interface {
	// SeenBefore reports whether id was already recorded within window,
	// and records it if not.
	SeenBefore(ctx context.Context, id string, window time.Duration) (bool, error)
}

// RedisDedupCache is the production DedupCache backed by Redis SETNX.
type RedisDedupCache struct {
	client *redis.Client
	prefix string
}

// NewRedisDedupCache constructs a RedisDedupCache.
func NewRedisDedupCache(addr, password string, db int) *RedisDedupCache {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisDedupCache{client: client, prefix: "efm:bus:dedup:"}
}

// SeenBefore uses SETNX so the check-and-record is atomic: the first
// caller to see an id wins the race and gets seen=false, every
// subsequent caller within window gets seen=true.
func (r *RedisDedupCache) SeenBefore(ctx context.Context, id string, window time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, r.prefix+id, 1, window).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Close releases the underlying Redis client.
func (r *RedisDedupCache) Close() error { return r.client.Close() }

// MemDedupCache is an in-memory DedupCache for tests and single-process
// deployments without Redis.
type MemDedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemDedupCache constructs a MemDedupCache.
func NewMemDedupCache() *MemDedupCache {
	return &MemDedupCache{seen: make(map[string]time.Time)}
}

func (m *MemDedupCache) SeenBefore(_ context.Context, id string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.seen[id]; ok && time.Now().Before(expiry) {
		return true, nil
	}
	m.seen[id] = time.Now().Add(window)
	return false, nil
}
