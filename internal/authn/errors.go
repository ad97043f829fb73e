package authn

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed means the compact form is not a structurally valid
	// three-segment token.
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidToken means the token parsed but failed verification
	// (signature, expiry, issuer, audience or token use).
	ErrInvalidToken = errors.New("invalid token")

	// ErrBadCredentials is the opaque authentication failure surfaced to
	// callers. Internal detail stays in the logs.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrKeyUnavailable means the remote key set could not be obtained.
	// It is retryable: the caller may try again later.
	ErrKeyUnavailable = errors.New("verification key unavailable")

	// ErrInvalidRefresh means the refresh token is expired, revoked,
	// malformed or already used.
	ErrInvalidRefresh = errors.New("invalid refresh token")

	// ErrUnsupported means a provider does not handle the presented
	// credential; the pipeline moves on to the next provider.
	ErrUnsupported = errors.New("credential not supported")
)

// invalid wraps ErrInvalidToken with the verification failure reason.
// A non-nil cause is preserved for errors.Is inspection.
func invalid(reason string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidToken, reason, cause)
	}
	return fmt.Errorf("%w: %s", ErrInvalidToken, reason)
}
