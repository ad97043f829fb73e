package authn

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ordermesh/backend-core/internal/retry"
)

// LoadRSAPrivateKey reads a PEM-encoded RSA private key used for local
// token issuance.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// LoadRSAPublicKey reads a PEM-encoded RSA public key used for local
// token verification.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

type jwkSet struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// keySnapshot is an immutable view of the remote key set. Lookups read
// the current snapshot without locking; refreshes install a new one.
type keySnapshot struct {
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// RemoteKeySet resolves verification keys by kid from an OIDC JWK-set
// endpoint. Snapshots are cached for a TTL; concurrent misses for the
// same kid collapse into a single fetch, and fetches retry transient
// failures with capped backoff before reporting ErrKeyUnavailable.
type RemoteKeySet struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	clock   clockwork.Clock
	fetcher *retry.Executor

	group    singleflight.Group
	snapshot atomic.Pointer[keySnapshot]
}

// NewRemoteKeySet creates a key set client for the given JWK-set URL.
// A nil clock uses real time; ttl and client fall back to sane defaults.
func NewRemoteKeySet(url string, ttl time.Duration, client *http.Client, clock clockwork.Clock) *RemoteKeySet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if client == nil {
		client = &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
				TLSHandshakeTimeout: 2 * time.Second,
			},
		}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ks := &RemoteKeySet{
		url:    url,
		ttl:    ttl,
		client: client,
		clock:  clock,
		fetcher: retry.NewExecutor(retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			JitterFactor:   0.1,
		}, nil, clock),
	}
	ks.snapshot.Store(&keySnapshot{keys: map[string]crypto.PublicKey{}})
	return ks
}

// Key returns the verification key for kid. Fresh snapshots are served
// without locking; a miss or a stale snapshot triggers one fetch shared
// by every caller asking for the same kid.
func (ks *RemoteKeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if snap := ks.snapshot.Load(); ks.fresh(snap) {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}

	_, err, _ := ks.group.Do(kid, func() (any, error) {
		// Another flight may have refreshed the snapshot already.
		if snap := ks.snapshot.Load(); ks.fresh(snap) {
			if _, ok := snap.keys[kid]; ok {
				return nil, nil
			}
		}
		return nil, ks.refresh(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}

	if key, ok := ks.snapshot.Load().keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown kid %q", ErrKeyUnavailable, kid)
}

// WarmUp fetches the key set once so verification is ready before the
// first request. Failures are left to the background of later misses.
func (ks *RemoteKeySet) WarmUp(ctx context.Context) error {
	return ks.refresh(ctx)
}

func (ks *RemoteKeySet) fresh(snap *keySnapshot) bool {
	return snap != nil && !snap.fetched.IsZero() && ks.clock.Now().Sub(snap.fetched) < ks.ttl
}

func (ks *RemoteKeySet) refresh(ctx context.Context) error {
	_, err := ks.fetcher.Do(ctx, "jwks-fetch", ks.fetchOnce)
	return err
}

func (ks *RemoteKeySet) fetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build jwks request: %w", err))
	}

	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kid == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			log.Ctx(ctx).Warn().
				Err(err).
				Str("kid", jwk.Kid).
				Str("kty", jwk.Kty).
				Msg("skipping unparsable JWK")
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks response contains no usable signature keys")
	}

	ks.snapshot.Store(&keySnapshot{keys: keys, fetched: ks.clock.Now()})
	log.Ctx(ctx).Debug().
		Int("key_count", len(keys)).
		Str("jwks_url", ks.url).
		Msg("remote key set refreshed")
	return nil
}

// publicKey converts a JWK into the matching crypto.PublicKey. RSA and
// EC keys are supported; anything else is rejected.
func (j jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		return j.rsaKey()
	case "EC":
		return j.ecKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
}

func (j jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	if len(eBytes) == 0 {
		return nil, fmt.Errorf("empty exponent")
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func (j jsonWebKey) ecKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch j.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", j.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("invalid x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(j.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
