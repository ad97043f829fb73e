package authn

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TokenPair carries a fresh access token and the refresh token that
// will mint its successor. Expiries are unix seconds.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  int64
	RefreshToken     string
	RefreshExpiresAt int64
}

// AuthorityLoader resolves the current authority set for a subject when
// a refresh cycle mints a new access token. A nil loader grants the
// default user role only.
type AuthorityLoader func(ctx context.Context, subject string) ([]string, error)

// Rotator issues, rotates and revokes stateless refresh tokens. The
// token itself carries all validity state; the shared revocation list
// only records nonces that must no longer be accepted. Every rotation
// marks the old nonce before the new pair is returned, so presenting a
// nonce twice is always detected, and detection revokes the whole
// rotation family.
type Rotator struct {
	issuer      *Issuer
	revocations RevocationList
	authorities AuthorityLoader
	clock       clockwork.Clock
}

// NewRotator wires the rotator. A nil revocation list falls back to an
// in-process list, which is only suitable for a single instance.
func NewRotator(issuer *Issuer, revocations RevocationList, authorities AuthorityLoader, clock clockwork.Clock) *Rotator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if revocations == nil {
		revocations = NewMemoryRevocationList(clock.Now)
	}
	return &Rotator{
		issuer:      issuer,
		revocations: revocations,
		authorities: authorities,
		clock:       clock,
	}
}

// Issue mints a refresh token for the subject, starting a new rotation
// family.
func (r *Rotator) Issue(ctx context.Context, subject string) (*RefreshToken, error) {
	return r.issuer.IssueRefreshToken(subject, "")
}

// Refresh validates the presented refresh token and exchanges it for a
// fresh access/refresh pair. The old nonce is blacklisted for its
// remaining lifetime before the new pair is returned. Reuse of an
// already-rotated nonce revokes the entire family and fails.
func (r *Rotator) Refresh(ctx context.Context, compact string) (*TokenPair, error) {
	token, err := r.issuer.VerifyRefresh(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefresh, err)
	}

	nonce := token.ID
	if nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidRefresh)
	}
	family, _ := token.Claims["fam"].(string)

	if family != "" {
		revoked, err := r.revocations.IsFamilyRevoked(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("revocation list unavailable: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: rotation family revoked", ErrInvalidRefresh)
		}
	}

	remaining := token.ExpiresAt.Sub(r.clock.Now())
	seen, err := r.revocations.MarkRotated(ctx, nonce, remaining)
	if err != nil {
		return nil, fmt.Errorf("revocation list unavailable: %w", err)
	}
	if seen {
		// The nonce was rotated or revoked before: someone is replaying
		// a consumed token. Burn the family.
		if family != "" {
			if err := r.revocations.RevokeFamily(ctx, family, r.issuer.RefreshLifetime()); err != nil {
				log.Ctx(ctx).Error().
					Err(err).
					Str("family", family).
					Msg("failed to revoke rotation family after reuse")
			}
		}
		log.Ctx(ctx).Warn().
			Str("subject", token.Subject).
			Str("family", family).
			Msg("refresh token reuse detected, family revoked")
		return nil, fmt.Errorf("%w: token reuse detected", ErrInvalidRefresh)
	}

	authorities, err := r.loadAuthorities(ctx, token.Subject)
	if err != nil {
		return nil, fmt.Errorf("load authorities for %q: %w", token.Subject, err)
	}

	access, accessExp, err := r.issuer.IssueAccessToken(token.Subject, authorities)
	if err != nil {
		return nil, err
	}
	next, err := r.issuer.IssueRefreshToken(token.Subject, family)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp.Unix(),
		RefreshToken:     next.Compact,
		RefreshExpiresAt: next.ExpiresAt.Unix(),
	}, nil
}

// Revoke blocks the presented refresh token for its remaining lifetime.
func (r *Rotator) Revoke(ctx context.Context, compact string) error {
	token, err := r.issuer.VerifyRefresh(compact)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRefresh, err)
	}
	if token.ID == "" {
		return fmt.Errorf("%w: missing nonce", ErrInvalidRefresh)
	}
	remaining := token.ExpiresAt.Sub(r.clock.Now())
	if err := r.revocations.Revoke(ctx, token.ID, remaining); err != nil {
		return fmt.Errorf("revocation list unavailable: %w", err)
	}
	log.Ctx(ctx).Info().
		Str("subject", token.Subject).
		Msg("refresh token revoked")
	return nil
}

func (r *Rotator) loadAuthorities(ctx context.Context, subject string) ([]string, error) {
	if r.authorities == nil {
		return []string{RoleUser}, nil
	}
	return r.authorities(ctx, subject)
}
