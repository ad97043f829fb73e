package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ordermesh/backend-core/internal/cache"
	"github.com/ordermesh/backend-core/internal/config"
	"github.com/ordermesh/backend-core/internal/eventbus"
	"github.com/ordermesh/backend-core/internal/retry"
)

func newProjectionCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ttl := config.CacheTTL{L1: config.Duration(5 * time.Minute), L2: config.Duration(10 * time.Minute)}
	cfg := config.CacheConfig{
		Enabled:   true,
		L1MaxSize: 100,
		TTLs: map[string]config.CacheTTL{
			CacheUserInfo:  ttl,
			CacheUserByID:  ttl,
			CacheUserRoles: ttl,
			CacheAllUsers:  ttl,
		},
	}
	return cache.New(client, cfg, cache.Options{})
}

func TestCacheInvalidatorEvictsUserProjections(t *testing.T) {
	ctx := context.Background()
	tiers := newProjectionCache(t)

	for _, name := range []string{CacheUserInfo, CacheUserByID, CacheUserRoles} {
		if err := tiers.Put(ctx, name, "u1", []byte(`{"user":"one"}`)); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
		if err := tiers.Put(ctx, name, "u2", []byte(`{"user":"two"}`)); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}
	if err := tiers.Put(ctx, CacheAllUsers, "page-1", []byte(`["u1","u2"]`)); err != nil {
		t.Fatalf("Put(all-users) error = %v", err)
	}

	env, err := eventbus.NewEnvelope(TopicUserUpdated, "u1", map[string]string{"field": "email"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := CacheInvalidator(tiers)(ctx, env); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	for _, name := range []string{CacheUserInfo, CacheUserByID, CacheUserRoles} {
		if _, err := tiers.Get(ctx, name, "u1"); !errors.Is(err, cache.ErrMiss) {
			t.Fatalf("Get(%s, u1) error = %v, want ErrMiss", name, err)
		}
		if _, err := tiers.Get(ctx, name, "u2"); err != nil {
			t.Fatalf("Get(%s, u2) error = %v, want hit for unrelated user", name, err)
		}
	}
	if _, err := tiers.Get(ctx, CacheAllUsers, "page-1"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get(all-users) error = %v, want ErrMiss", err)
	}
}

func TestCachedAuthoritiesReadsThroughAndRecovers(t *testing.T) {
	ctx := context.Background()
	tiers := newProjectionCache(t)

	roles := []string{"ROLE_USER"}
	loads := 0
	loader := func(_ context.Context, subject string) ([]string, error) {
		loads++
		out := make([]string, len(roles))
		copy(out, roles)
		return out, nil
	}

	cached := CachedAuthorities(tiers, loader)
	got, err := cached(ctx, "u1")
	if err != nil {
		t.Fatalf("load error = %v", err)
	}
	if len(got) != 1 || got[0] != "ROLE_USER" || loads != 1 {
		t.Fatalf("first read = %v after %d loads", got, loads)
	}

	if _, err := cached(ctx, "u1"); err != nil {
		t.Fatalf("cached read error = %v", err)
	}
	if loads != 1 {
		t.Fatalf("loads = %d, want cache hit on second read", loads)
	}

	// A user event drops the projection; the next read observes the
	// changed role set.
	roles = []string{"ROLE_ADMIN", "ROLE_USER"}
	env, err := eventbus.NewEnvelope(TopicUserUpdated, "u1", nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := CacheInvalidator(tiers)(ctx, env); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	got, err = cached(ctx, "u1")
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if len(got) != 2 || loads != 2 {
		t.Fatalf("post-evict read = %v after %d loads", got, loads)
	}
}

func TestCachedAuthoritiesWithoutCache(t *testing.T) {
	loads := 0
	loader := func(context.Context, string) ([]string, error) {
		loads++
		return []string{"ROLE_USER"}, nil
	}
	cached := CachedAuthorities(nil, loader)
	for i := 0; i < 2; i++ {
		if _, err := cached(context.Background(), "u1"); err != nil {
			t.Fatalf("passthrough error = %v", err)
		}
	}
	if loads != 2 {
		t.Fatalf("loads = %d, want direct loads without a cache", loads)
	}
}

func TestCacheInvalidatorRejectsEventWithoutSubject(t *testing.T) {
	tiers := newProjectionCache(t)

	env, err := eventbus.NewEnvelope(TopicUserUpdated, "", nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	err = CacheInvalidator(tiers)(context.Background(), env)
	if err == nil {
		t.Fatal("handler accepted an event without aggregate id")
	}
	var c retry.Classifier
	if got := c.Classify(err); got != retry.ClassPermanent {
		t.Fatalf("Classify() = %v, want permanent", got)
	}
}
