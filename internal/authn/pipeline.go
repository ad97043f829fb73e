// Package authn implements the authentication core: token issuance and
// verification for locally-signed HMAC/RSA tokens and remote OIDC
// tokens, authority extraction, and stateless refresh token rotation
// with reuse detection.
package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/config"
)

// authFailureSampler rate-limits failed-authentication logging so
// credential stuffing cannot flood the log.
var authFailureSampler = &zerolog.BurstSampler{
	Burst:  10,
	Period: time.Minute,
}

// provider authenticates one family of credentials. supports decides
// from the declared type and the unverified token whether this provider
// should try at all; authenticate does the cryptographic work.
type provider interface {
	name() string
	supports(cred Credential, unverified *Token) bool
	authenticate(ctx context.Context, cred Credential, unverified *Token) (*Principal, error)
}

// Pipeline tries providers in a fixed order: local HMAC, then local
// RSA, then remote OIDC. The first supporting provider that succeeds
// wins; the first hard failure short-circuits. The provider list is
// frozen at construction, so the pipeline is safe for concurrent use.
type Pipeline struct {
	providers []provider
}

// NewPipeline assembles the provider chain for the configured issuing
// mode. issuer may be nil in remote-only mode; keys may be nil when
// OIDC is disabled.
func NewPipeline(cfg config.AuthConfig, issuer *Issuer, keys *RemoteKeySet, clock clockwork.Clock) (*Pipeline, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	skew := time.Duration(cfg.ClockSkewSeconds) * time.Second

	var providers []provider
	if cfg.LocalIssuerEnabled && issuer != nil {
		localCodec := NewCodec([]string{cfg.LocalIssuer}, "", false, skew, clock)
		if issuer.secret != nil {
			providers = append(providers, &hmacProvider{
				codec:  localCodec,
				secret: issuer.secret,
			})
		}
		if issuer.publicKey != nil {
			providers = append(providers, &rsaProvider{
				codec:       localCodec,
				key:         issuer.publicKey,
				localIssuer: cfg.LocalIssuer,
			})
		}
	}
	if cfg.OIDCEnabled && keys != nil {
		oidcCodec := NewCodec(
			[]string{cfg.OIDCIssuerURI},
			cfg.OIDCClientID,
			cfg.OIDCVerifyAudience,
			skew,
			clock,
		)
		providers = append(providers, &oidcProvider{
			codec:    oidcCodec,
			keys:     keys,
			issuer:   cfg.OIDCIssuerURI,
			clientID: cfg.OIDCClientID,
		})
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("authentication pipeline has no providers: check auth configuration")
	}
	return &Pipeline{providers: providers}, nil
}

// Authenticate runs the credential through the provider chain.
// Errors are one of ErrBadCredentials (wrapping the detail) or
// ErrKeyUnavailable (retryable).
func (p *Pipeline) Authenticate(ctx context.Context, cred Credential) (*Principal, error) {
	unverified, err := Decode(cred.Token)
	if err != nil {
		p.logFailure(ctx, "", err)
		return nil, fmt.Errorf("%w: %w", ErrBadCredentials, err)
	}

	for _, prov := range p.providers {
		if !prov.supports(cred, unverified) {
			continue
		}
		principal, err := prov.authenticate(ctx, cred, unverified)
		if err == nil {
			log.Ctx(ctx).Debug().
				Str("provider", prov.name()).
				Str("subject", principal.Subject).
				Msg("authentication succeeded")
			return principal, nil
		}
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		p.logFailure(ctx, prov.name(), err)
		return nil, err
	}

	err = fmt.Errorf("%w: no provider accepted the credential", ErrBadCredentials)
	p.logFailure(ctx, "", err)
	return nil, err
}

func (p *Pipeline) logFailure(ctx context.Context, providerName string, err error) {
	logger := log.Ctx(ctx).Sample(authFailureSampler)
	logger.Warn().
		Err(err).
		Str("provider", providerName).
		Msg("authentication failed")
}

// mapVerifyError folds codec failures into the pipeline error taxonomy:
// key-fetch trouble stays retryable, everything else is bad credentials.
func mapVerifyError(err error) error {
	if errors.Is(err, ErrKeyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBadCredentials, err)
}

type hmacProvider struct {
	codec  *Codec
	secret []byte
}

func (h *hmacProvider) name() string { return "local-hmac" }

func (h *hmacProvider) supports(cred Credential, unverified *Token) bool {
	if cred.Type != TokenTypeLocal && cred.Type != TokenTypeUnknown {
		return false
	}
	alg, _ := unverified.Header["alg"].(string)
	return isHMACAlg(alg)
}

func (h *hmacProvider) authenticate(ctx context.Context, cred Credential, _ *Token) (*Principal, error) {
	token, err := h.codec.VerifyHMAC(cred.Token, h.secret, UseAccess)
	if err != nil {
		return nil, mapVerifyError(err)
	}
	return &Principal{
		Subject:     token.Subject,
		Authorities: ResolveAuthorities(token.Claims, ""),
		Token:       cred.Token,
		Type:        TokenTypeLocal,
	}, nil
}

type rsaProvider struct {
	codec       *Codec
	key         *rsa.PublicKey
	localIssuer string
}

func (r *rsaProvider) name() string { return "local-rsa" }

func (r *rsaProvider) supports(cred Credential, unverified *Token) bool {
	if cred.Type != TokenTypeLocal && cred.Type != TokenTypeUnknown {
		return false
	}
	alg, _ := unverified.Header["alg"].(string)
	if !isRSAAlg(alg) {
		return false
	}
	// RS256 is shared with OIDC tokens; the issuer claim decides which
	// provider owns the credential when the caller did not say.
	if cred.Type == TokenTypeUnknown && unverified.Issuer != "" && unverified.Issuer != r.localIssuer {
		return false
	}
	return true
}

func (r *rsaProvider) authenticate(ctx context.Context, cred Credential, _ *Token) (*Principal, error) {
	token, err := r.codec.VerifyRSA(cred.Token, r.key, UseAccess)
	if err != nil {
		return nil, mapVerifyError(err)
	}
	return &Principal{
		Subject:     token.Subject,
		Authorities: ResolveAuthorities(token.Claims, ""),
		Token:       cred.Token,
		Type:        TokenTypeLocal,
	}, nil
}

type oidcProvider struct {
	codec    *Codec
	keys     *RemoteKeySet
	issuer   string
	clientID string
}

func (o *oidcProvider) name() string { return "remote-oidc" }

func (o *oidcProvider) supports(cred Credential, unverified *Token) bool {
	if cred.Type != TokenTypeOIDC && cred.Type != TokenTypeUnknown {
		return false
	}
	alg, _ := unverified.Header["alg"].(string)
	if !isRSAAlg(alg) && !isECAlg(alg) {
		return false
	}
	if cred.Type == TokenTypeUnknown && unverified.Issuer != o.issuer {
		return false
	}
	return true
}

func (o *oidcProvider) authenticate(ctx context.Context, cred Credential, _ *Token) (*Principal, error) {
	token, err := o.codec.VerifyRemote(ctx, cred.Token, o.keys)
	if err != nil {
		return nil, mapVerifyError(err)
	}
	return &Principal{
		Subject:     token.Subject,
		Authorities: ResolveAuthorities(token.Claims, o.clientID),
		Token:       cred.Token,
		Type:        TokenTypeOIDC,
	}, nil
}
