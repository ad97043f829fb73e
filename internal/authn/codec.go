package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Token is the structured view of a compact JWT. Decode produces it
// without verifying; the Verify methods produce it only after signature
// and claim checks pass. The raw compact form is retained so that
// Encode is the exact inverse of Decode.
type Token struct {
	Raw       string
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	ID        string
	Claims    map[string]any
	Header    map[string]any
}

// Encode returns the compact serialised form.
func (t *Token) Encode() string { return t.Raw }

// TokenUse distinguishes access tokens from refresh tokens during
// verification; a refresh token presented where an access token is
// expected is rejected, and vice versa.
type TokenUse int

const (
	UseAccess TokenUse = iota
	UseRefresh
)

// refreshTokenType is the value of the typ claim stamped on refresh
// tokens at issuance.
const refreshTokenType = "refresh"

// Codec verifies compact tokens against an issuer set, an optional
// audience and an expiry clock with configurable leeway. It holds no
// key material; callers supply keys per verification path.
type Codec struct {
	issuers        map[string]struct{}
	audience       string
	verifyAudience bool
	leeway         time.Duration
	clock          clockwork.Clock
}

// NewCodec creates a codec accepting the given issuers. When
// verifyAudience is set, tokens must carry audience in their aud claim.
func NewCodec(issuers []string, audience string, verifyAudience bool, leeway time.Duration, clock clockwork.Clock) *Codec {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	set := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		set[iss] = struct{}{}
	}
	return &Codec{
		issuers:        set,
		audience:       audience,
		verifyAudience: verifyAudience,
		leeway:         leeway,
		clock:          clock,
	}
}

// Decode parses the compact form without verifying the signature.
// Structurally invalid input fails with ErrMalformed.
func Decode(compact string) (*Token, error) {
	claims := jwt.MapClaims{}
	parsed, _, err := new(jwt.Parser).ParseUnverified(compact, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return newToken(compact, claims, parsed.Header), nil
}

// VerifyHMAC verifies an HS256-family token against a shared secret.
func (c *Codec) VerifyHMAC(compact string, secret []byte, use TokenUse) (*Token, error) {
	return c.verify(compact, use, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
}

// VerifyRSA verifies an RS256-family token against a static public key.
func (c *Codec) VerifyRSA(compact string, key *rsa.PublicKey, use TokenUse) (*Token, error) {
	return c.verify(compact, use, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
}

// VerifyRemote verifies a token whose key is selected by the kid header
// from a remote JWK set. RSA and EC signatures are accepted.
func (c *Codec) VerifyRemote(ctx context.Context, compact string, keys *RemoteKeySet) (*Token, error) {
	return c.verify(compact, UseAccess, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return keys.Key(ctx, kid)
	})
}

func (c *Codec) verify(compact string, use TokenUse, keyfunc jwt.Keyfunc) (*Token, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithTimeFunc(c.clock.Now),
		jwt.WithLeeway(c.leeway),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(compact, claims, keyfunc)
	if err != nil {
		return nil, c.mapParseError(err)
	}
	if !parsed.Valid {
		return nil, invalid("token not valid", nil)
	}

	if err := c.checkIssuer(claims); err != nil {
		return nil, err
	}
	if err := c.checkAudience(claims); err != nil {
		return nil, err
	}
	if err := checkTokenUse(claims, use); err != nil {
		return nil, err
	}

	return newToken(compact, claims, parsed.Header), nil
}

func (c *Codec) mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, ErrKeyUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return invalid("expired", jwt.ErrTokenExpired)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return invalid("not valid yet", jwt.ErrTokenNotValidYet)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return invalid("signature verification failed", jwt.ErrTokenSignatureInvalid)
	default:
		return invalid("verification failed", err)
	}
}

func (c *Codec) checkIssuer(claims jwt.MapClaims) error {
	if len(c.issuers) == 0 {
		return nil
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return invalid("missing issuer", err)
	}
	if _, ok := c.issuers[iss]; !ok {
		return invalid(fmt.Sprintf("untrusted issuer %q", iss), nil)
	}
	return nil
}

func (c *Codec) checkAudience(claims jwt.MapClaims) error {
	if !c.verifyAudience {
		return nil
	}
	audiences, err := claims.GetAudience()
	if err != nil {
		return invalid("invalid audience format", err)
	}
	for _, aud := range audiences {
		if aud == c.audience {
			return nil
		}
	}
	return invalid(fmt.Sprintf("audience %q not present", c.audience), nil)
}

func checkTokenUse(claims jwt.MapClaims, use TokenUse) error {
	typ, _ := claims["typ"].(string)
	switch use {
	case UseRefresh:
		if typ != refreshTokenType {
			return invalid("not a refresh token", nil)
		}
	default:
		if typ == refreshTokenType {
			return invalid("refresh token presented as access token", nil)
		}
	}
	return nil
}

func newToken(compact string, claims jwt.MapClaims, header map[string]any) *Token {
	token := &Token{
		Raw:    compact,
		Claims: claims,
		Header: header,
	}
	token.Subject, _ = claims.GetSubject()
	token.Issuer, _ = claims.GetIssuer()
	if audiences, err := claims.GetAudience(); err == nil {
		token.Audience = audiences
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		token.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		token.IssuedAt = iat.Time
	}
	token.ID, _ = claims["jti"].(string)
	return token
}
