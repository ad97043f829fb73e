package authn

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ordermesh/backend-core/internal/config"
)

// Issuer mints and verifies locally-issued tokens. It signs with RS256
// when a private key is configured, otherwise with HS256 from the
// shared secret. Verification accepts whichever key material is loaded.
type Issuer struct {
	issuer          string
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	clock           clockwork.Clock
	codec           *Codec

	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// RefreshToken is a freshly minted refresh token together with the
// rotation bookkeeping fields embedded in its claims.
type RefreshToken struct {
	Compact   string
	Nonce     string
	Family    string
	ExpiresAt time.Time
}

// NewIssuer builds the local issuer from configuration, loading RSA key
// material from PEM files when paths are set. At least one signing key
// (RSA pair or HMAC secret) is required.
func NewIssuer(cfg config.AuthConfig, clock clockwork.Clock) (*Issuer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	i := &Issuer{
		issuer:          cfg.LocalIssuer,
		accessLifetime:  cfg.AccessLifetime.Std(),
		refreshLifetime: cfg.RefreshLifetime.Std(),
		clock:           clock,
		codec: NewCodec(
			[]string{cfg.LocalIssuer},
			"",
			false,
			time.Duration(cfg.ClockSkewSeconds)*time.Second,
			clock,
		),
	}
	if cfg.HMACSecret != "" {
		i.secret = []byte(cfg.HMACSecret)
	}
	if cfg.LocalPrivateKeyPath != "" {
		key, err := LoadRSAPrivateKey(cfg.LocalPrivateKeyPath)
		if err != nil {
			return nil, err
		}
		i.privateKey = key
		i.publicKey = &key.PublicKey
	}
	if cfg.LocalPublicKeyPath != "" && i.publicKey == nil {
		key, err := LoadRSAPublicKey(cfg.LocalPublicKeyPath)
		if err != nil {
			return nil, err
		}
		i.publicKey = key
	}
	if i.privateKey == nil && i.secret == nil {
		return nil, fmt.Errorf("local issuer needs an RSA private key or an HMAC secret")
	}
	return i, nil
}

// IssueAccessToken mints a signed access token for the subject carrying
// the given authorities in a roles claim.
func (i *Issuer) IssueAccessToken(subject string, authorities []string) (string, time.Time, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.accessLifetime)
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   i.issuer,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.NewString(),
		"roles": authorities,
	}
	compact, err := i.sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return compact, expiresAt, nil
}

// IssueRefreshToken mints a refresh token with a fresh nonce. An empty
// family starts a new rotation family; otherwise the family is carried
// over so reuse detection can revoke every descendant at once.
func (i *Issuer) IssueRefreshToken(subject, family string) (*RefreshToken, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.refreshLifetime)
	nonce := uuid.NewString()
	if family == "" {
		family = uuid.NewString()
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": i.issuer,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": nonce,
		"typ": refreshTokenType,
		"fam": family,
	}
	compact, err := i.sign(claims)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &RefreshToken{
		Compact:   compact,
		Nonce:     nonce,
		Family:    family,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccess verifies a locally-issued access token.
func (i *Issuer) VerifyAccess(compact string) (*Token, error) {
	return i.verifyLocal(compact, UseAccess)
}

// VerifyRefresh verifies a locally-issued refresh token, rejecting
// access tokens presented in its place.
func (i *Issuer) VerifyRefresh(compact string) (*Token, error) {
	return i.verifyLocal(compact, UseRefresh)
}

// AccessLifetime returns the configured access token lifetime.
func (i *Issuer) AccessLifetime() time.Duration { return i.accessLifetime }

// RefreshLifetime returns the configured refresh token lifetime.
func (i *Issuer) RefreshLifetime() time.Duration { return i.refreshLifetime }

func (i *Issuer) sign(claims jwt.MapClaims) (string, error) {
	if i.privateKey != nil {
		return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// verifyLocal routes to the verifier matching the token's declared
// algorithm so that HS and RS tokens can coexist in dual-key setups.
func (i *Issuer) verifyLocal(compact string, use TokenUse) (*Token, error) {
	unverified, err := Decode(compact)
	if err != nil {
		return nil, err
	}
	alg, _ := unverified.Header["alg"].(string)
	switch {
	case isHMACAlg(alg) && i.secret != nil:
		return i.codec.VerifyHMAC(compact, i.secret, use)
	case isRSAAlg(alg) && i.publicKey != nil:
		return i.codec.VerifyRSA(compact, i.publicKey, use)
	default:
		return nil, invalid(fmt.Sprintf("no local key for algorithm %q", alg), nil)
	}
}

func isHMACAlg(alg string) bool {
	switch alg {
	case jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg():
		return true
	}
	return false
}

func isRSAAlg(alg string) bool {
	switch alg {
	case jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg():
		return true
	}
	return false
}

func isECAlg(alg string) bool {
	switch alg {
	case jwt.SigningMethodES256.Alg(), jwt.SigningMethodES384.Alg(), jwt.SigningMethodES512.Alg():
		return true
	}
	return false
}
