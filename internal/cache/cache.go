// Package cache is a two-tier read-through cache: a bounded in-process
// LRU in front of shared Redis. Reads fall through L1 to L2 and
// repopulate L1 on the way back; writes go through L2 first. A remote
// outage degrades reads to misses instead of failing them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/config"
	"github.com/ordermesh/backend-core/internal/metrics"
)

// Tier label values used in metrics.
const (
	TierL1 = "l1"
	TierL2 = "l2"
)

const (
	defaultL1TTL = 5 * time.Minute
	defaultL2TTL = 10 * time.Minute

	// Writes and evictions detach from the caller's cancellation so a
	// torn request cannot leave the tiers diverged.
	writeTimeout = 2 * time.Second
	clearTimeout = 10 * time.Second

	scanBatch = 256
)

var (
	// ErrMiss is returned when neither tier holds the key. A remote
	// outage also reads as a miss.
	ErrMiss = errors.New("cache miss")

	// ErrUnavailable wraps remote tier failures on writes and evictions.
	ErrUnavailable = errors.New("cache unavailable")
)

// TierStats is a hit counter snapshot for one logical cache.
type TierStats struct {
	L1Hits int64 `json:"l1Hits"`
	L2Hits int64 `json:"l2Hits"`
	Misses int64 `json:"misses"`
}

// HitRate returns hits/(hits+misses), or 0 for an idle cache.
func (s TierStats) HitRate() float64 {
	total := s.L1Hits + s.L2Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(total)
}

// Options configures a Cache.
type Options struct {
	// Breaker, when set, guards remote tier operations.
	Breaker *breaker.Breaker
	// Metrics, when set, meters cache traffic.
	Metrics *metrics.CacheMetrics
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

type l1Entry struct {
	data    []byte
	expires time.Time
}

// namedCache is the local tier and counters for one logical cache.
type namedCache struct {
	name  string
	l1TTL time.Duration
	l2TTL time.Duration
	lru   *expirable.LRU[string, l1Entry]

	l1Hits atomic.Int64
	l2Hits atomic.Int64
	misses atomic.Int64
}

func (nc *namedCache) setL1(now time.Time, key string, data []byte, remaining time.Duration) {
	ttl := nc.l1TTL
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	nc.lru.Add(key, l1Entry{data: data, expires: now.Add(ttl)})
}

// Cache routes logical caches over one shared Redis client. Values are
// opaque bytes; callers must not modify returned slices.
type Cache struct {
	rdb     redis.UniversalClient
	cfg     config.CacheConfig
	brk     *breaker.Breaker
	metrics *metrics.CacheMetrics
	clock   clockwork.Clock

	mu    sync.Mutex
	names map[string]*namedCache
}

// New creates a tiered cache from the cache configuration section.
func New(rdb redis.UniversalClient, cfg config.CacheConfig, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if cfg.L1MaxSize <= 0 {
		cfg.L1MaxSize = 10000
	}
	return &Cache{
		rdb:     rdb,
		cfg:     cfg,
		brk:     opts.Breaker,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		names:   make(map[string]*namedCache),
	}
}

// named returns the local tier for one logical cache, creating it on
// first use with the configured TTL pair or the defaults.
func (c *Cache) named(name string) *namedCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.names[name]; ok {
		return nc
	}
	l1, l2 := defaultL1TTL, defaultL2TTL
	if ttl, ok := c.cfg.TTLs[name]; ok {
		l1, l2 = ttl.L1.Std(), ttl.L2.Std()
	}
	if l1 > l2 {
		l1 = l2
	}
	nc := &namedCache{
		name:  name,
		l1TTL: l1,
		l2TTL: l2,
		lru:   expirable.NewLRU[string, l1Entry](c.cfg.L1MaxSize, nil, l1),
	}
	c.names[name] = nc
	return nc
}

func redisKey(name, key string) string {
	return "cache:" + name + ":" + key
}

// Get returns the value under name/key, consulting L1 then L2. L2 hits
// repopulate L1 bounded by the key's remaining remote TTL. Misses and
// remote failures return ErrMiss.
func (c *Cache) Get(ctx context.Context, name, key string) ([]byte, error) {
	if !c.cfg.Enabled {
		return nil, ErrMiss
	}
	start := c.clock.Now()
	nc := c.named(name)

	if e, ok := nc.lru.Get(key); ok {
		if c.clock.Now().Before(e.expires) {
			nc.l1Hits.Add(1)
			c.metrics.Hit(name, TierL1, c.clock.Since(start))
			return e.data, nil
		}
		nc.lru.Remove(key)
	}

	data, remaining, err := c.l2Get(ctx, name, key)
	if err != nil {
		nc.misses.Add(1)
		c.metrics.Miss(name, c.clock.Since(start))
		if !errors.Is(err, ErrMiss) {
			log.Ctx(ctx).Warn().Err(err).Str("cache", name).Msg("remote tier read failed")
		}
		return nil, ErrMiss
	}

	nc.l2Hits.Add(1)
	c.metrics.Hit(name, TierL2, c.clock.Since(start))
	nc.setL1(c.clock.Now(), key, data, remaining)
	return data, nil
}

func (c *Cache) l2Get(ctx context.Context, name, key string) ([]byte, time.Duration, error) {
	k := redisKey(name, key)
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	err := c.execute(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		get = pipe.Get(ctx, k)
		pttl = pipe.PTTL(ctx, k)
		_, err := pipe.Exec(ctx)
		if errors.Is(err, redis.Nil) {
			return nil // absent key is a healthy response
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if errors.Is(get.Err(), redis.Nil) {
		return nil, 0, ErrMiss
	}
	if get.Err() != nil {
		return nil, 0, get.Err()
	}
	data, err := get.Bytes()
	if err != nil {
		return nil, 0, err
	}
	return data, pttl.Val(), nil
}

// Put writes through both tiers: L2 first, L1 only after the shared
// tier accepted the write. The write detaches from the caller's
// cancellation.
func (c *Cache) Put(ctx context.Context, name, key string, value []byte) error {
	if !c.cfg.Enabled {
		return nil
	}
	nc := c.named(name)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	err := c.execute(wctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, redisKey(name, key), value, nc.l2TTL).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", ErrUnavailable, name, key, err)
	}
	nc.setL1(c.clock.Now(), key, value, nc.l2TTL)
	return nil
}

// Evict removes the key from both tiers. L1 is dropped even when the
// remote delete fails; the error reports the remote tier only.
func (c *Cache) Evict(ctx context.Context, name, key string) error {
	if !c.cfg.Enabled {
		return nil
	}
	nc := c.named(name)
	nc.lru.Remove(key)
	c.metrics.Eviction(name)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	err := c.execute(wctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, redisKey(name, key)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: evict %s/%s: %w", ErrUnavailable, name, key, err)
	}
	return nil
}

// Clear drops every entry of one logical cache from both tiers.
func (c *Cache) Clear(ctx context.Context, name string) error {
	if !c.cfg.Enabled {
		return nil
	}
	nc := c.named(name)
	nc.lru.Purge()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	pattern := redisKey(name, "*")
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(wctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("%w: clear %s: %w", ErrUnavailable, name, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(wctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: clear %s: %w", ErrUnavailable, name, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// GetJSON reads name/key and unmarshals it into v.
func (c *Cache) GetJSON(ctx context.Context, name, key string, v any) error {
	data, err := c.Get(ctx, name, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutJSON marshals v and writes it under name/key.
func (c *Cache) PutJSON(ctx context.Context, name, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value %s/%s: %w", name, key, err)
	}
	return c.Put(ctx, name, key, data)
}

// Stats returns a hit counter snapshot per logical cache.
func (c *Cache) Stats() map[string]TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TierStats, len(c.names))
	for name, nc := range c.names {
		out[name] = TierStats{
			L1Hits: nc.l1Hits.Load(),
			L2Hits: nc.l2Hits.Load(),
			Misses: nc.misses.Load(),
		}
	}
	return out
}

func (c *Cache) execute(ctx context.Context, fn func(context.Context) error) error {
	if c.brk == nil {
		return fn(ctx)
	}
	return c.brk.Execute(ctx, fn)
}
