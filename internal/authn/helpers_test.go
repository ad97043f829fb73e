package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ordermesh/backend-core/internal/config"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func writeTestKeyPair(t *testing.T, key *rsa.PrivateKey) (privPath, pubPath string) {
	t.Helper()
	dir := t.TempDir()

	privPath = filepath.Join(dir, "private.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPath = filepath.Join(dir, "public.pem")
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath
}

func jwkForKey(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// newJWKSServer serves a JWK set for the given keys and counts fetches.
func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		var jwks []map[string]any
		for kid, pub := range keys {
			jwks = append(jwks, jwkForKey(kid, pub))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"keys": jwks}); err != nil {
			t.Errorf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func signRemoteToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	compact, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign remote token: %v", err)
	}
	return compact
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		LocalIssuerEnabled: true,
		LocalIssuer:        "https://auth.ordermesh.local",
		HMACSecret:         "0123456789abcdef0123456789abcdef",
		ClockSkewSeconds:   30,
		AccessLifetime:     config.Duration(15 * time.Minute),
		RefreshLifetime:    config.Duration(7 * 24 * time.Hour),
		JWKCacheTTL:        config.Duration(10 * time.Minute),
	}
}

func newTestIssuer(t *testing.T, clock clockwork.Clock) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testAuthConfig(), clock)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer
}

func newTestRSAIssuer(t *testing.T, clock clockwork.Clock) (*Issuer, *rsa.PrivateKey) {
	t.Helper()
	key := generateTestKey(t)
	privPath, pubPath := writeTestKeyPair(t, key)

	cfg := testAuthConfig()
	cfg.HMACSecret = ""
	cfg.LocalPrivateKeyPath = privPath
	cfg.LocalPublicKeyPath = pubPath

	issuer, err := NewIssuer(cfg, clock)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer, key
}
