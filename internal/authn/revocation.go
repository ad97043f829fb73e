package authn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList tracks refresh token nonces and rotation families that
// must no longer be accepted. Entries carry the remaining lifetime of
// the token they refer to and self-expire.
type RevocationList interface {
	// MarkRotated records that a nonce has been used for rotation. It
	// reports true when the nonce was already present, which signals
	// token reuse.
	MarkRotated(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
	// Revoke blocks a nonce outright (logout).
	Revoke(ctx context.Context, nonce string, ttl time.Duration) error
	// IsRevoked reports whether a nonce is blocked.
	IsRevoked(ctx context.Context, nonce string) (bool, error)
	// RevokeFamily blocks every token of a rotation family.
	RevokeFamily(ctx context.Context, family string, ttl time.Duration) error
	// IsFamilyRevoked reports whether a rotation family is blocked.
	IsFamilyRevoked(ctx context.Context, family string) (bool, error)
}

const (
	nonceKeyPrefix  = "auth:revoked:nonce:"
	familyKeyPrefix = "auth:revoked:family:"

	// minRevocationTTL keeps marks alive briefly even when the token is
	// at the edge of its lifetime, covering clock skew between nodes.
	minRevocationTTL = time.Second
)

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minRevocationTTL {
		return minRevocationTTL
	}
	return ttl
}

// RedisRevocationList stores revocations as self-expiring Redis keys so
// every instance of the service shares one list.
type RedisRevocationList struct {
	client *redis.Client
}

// NewRedisRevocationList creates a Redis-backed revocation list.
func NewRedisRevocationList(client *redis.Client) *RedisRevocationList {
	return &RedisRevocationList{client: client}
}

func (r *RedisRevocationList) MarkRotated(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, nonceKeyPrefix+nonce, "rotated", clampTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("mark rotated: %w", err)
	}
	return !ok, nil
}

func (r *RedisRevocationList) Revoke(ctx context.Context, nonce string, ttl time.Duration) error {
	if err := r.client.Set(ctx, nonceKeyPrefix+nonce, "revoked", clampTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("revoke nonce: %w", err)
	}
	return nil
}

func (r *RedisRevocationList) IsRevoked(ctx context.Context, nonce string) (bool, error) {
	n, err := r.client.Exists(ctx, nonceKeyPrefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRevocationList) RevokeFamily(ctx context.Context, family string, ttl time.Duration) error {
	if err := r.client.Set(ctx, familyKeyPrefix+family, "revoked", clampTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	return nil
}

func (r *RedisRevocationList) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	n, err := r.client.Exists(ctx, familyKeyPrefix+family).Result()
	if err != nil {
		return false, fmt.Errorf("check family: %w", err)
	}
	return n > 0, nil
}

// MemoryRevocationList is a single-process revocation list for
// development and tests. Reads take the read lock only.
type MemoryRevocationList struct {
	mu       sync.RWMutex
	nonces   map[string]time.Time
	families map[string]time.Time
	now      func() time.Time
}

// NewMemoryRevocationList creates an in-memory revocation list. A nil
// now func uses time.Now.
func NewMemoryRevocationList(now func() time.Time) *MemoryRevocationList {
	if now == nil {
		now = time.Now
	}
	return &MemoryRevocationList{
		nonces:   make(map[string]time.Time),
		families: make(map[string]time.Time),
		now:      now,
	}
}

func (m *MemoryRevocationList) MarkRotated(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	if _, exists := m.nonces[nonce]; exists {
		return true, nil
	}
	m.nonces[nonce] = m.now().Add(clampTTL(ttl))
	return false, nil
}

func (m *MemoryRevocationList) Revoke(_ context.Context, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	m.nonces[nonce] = m.now().Add(clampTTL(ttl))
	return nil
}

func (m *MemoryRevocationList) IsRevoked(_ context.Context, nonce string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, exists := m.nonces[nonce]
	return exists && m.now().Before(expiry), nil
}

func (m *MemoryRevocationList) RevokeFamily(_ context.Context, family string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	m.families[family] = m.now().Add(clampTTL(ttl))
	return nil
}

func (m *MemoryRevocationList) IsFamilyRevoked(_ context.Context, family string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, exists := m.families[family]
	return exists && m.now().Before(expiry), nil
}

// purgeLocked drops expired entries. Callers hold the write lock.
func (m *MemoryRevocationList) purgeLocked() {
	now := m.now()
	for nonce, expiry := range m.nonces {
		if !now.Before(expiry) {
			delete(m.nonces, nonce)
		}
	}
	for family, expiry := range m.families {
		if !now.Before(expiry) {
			delete(m.families, family)
		}
	}
}
