package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/credstore"
)

// authFailureLog caps failed-credential logging at a burst per minute
// so credential stuffing cannot flood the log. Rejections beyond the
// burst still count in metrics.
var authFailureLog = log.Sample(&zerolog.BurstSampler{
	Burst:  10,
	Period: time.Minute,
})

// tokenRequest is the password grant body.
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse carries a freshly issued token pair.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refreshRequest carries the refresh token for rotation and revocation.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// verifyResponse describes the authenticated principal.
type verifyResponse struct {
	Subject     string   `json:"subject"`
	Authorities []string `json:"authorities"`
	TokenType   string   `json:"tokenType"`
}

// IssueToken handles POST /v1/auth/token: the password grant. Valid
// credentials yield an access/refresh pair; the refresh token starts a
// new rotation family.
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	user, err := s.Credentials.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		s.Metrics.Auth.Observe("password_grant", err, time.Since(start))
		if errors.Is(err, credstore.ErrInvalidCredentials) {
			authFailureLog.Warn().
				Str("username", req.Username).
				Str("remote_ip", r.RemoteAddr).
				Msg("password grant rejected")
			writeError(w, r, http.StatusUnauthorized, "bad_credentials", "invalid username or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "unavailable", "credential check failed")
		return
	}

	access, accessExp, err := s.Issuer.IssueAccessToken(user.ID, user.Roles)
	if err != nil {
		s.Metrics.Auth.Observe("password_grant", err, time.Since(start))
		writeError(w, r, http.StatusInternalServerError, "unavailable", "token issuance failed")
		return
	}
	refresh, err := s.Rotator.Issue(ctx, user.ID)
	if err != nil {
		s.Metrics.Auth.Observe("password_grant", err, time.Since(start))
		writeError(w, r, http.StatusInternalServerError, "unavailable", "token issuance failed")
		return
	}

	s.Metrics.Auth.Observe("password_grant", nil, time.Since(start))
	log.Ctx(ctx).Info().
		Str("subject", user.ID).
		Str("username", user.Username).
		Msg("password grant succeeded")

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh.Compact,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(accessExp).Seconds()),
	})
}

// RefreshToken handles POST /v1/auth/refresh: rotates the presented
// refresh token into a fresh pair. The old token is dead once this
// returns; replaying it burns the whole rotation family.
func (s *Server) RefreshToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := s.Rotator.Refresh(ctx, req.RefreshToken)
	if err != nil {
		s.Metrics.Auth.Observe("refresh", err, time.Since(start))
		if errors.Is(err, authn.ErrInvalidRefresh) {
			writeError(w, r, http.StatusUnauthorized, "invalid_refresh", "refresh token rejected")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "unavailable", "refresh failed")
		return
	}

	s.Metrics.Auth.Observe("refresh", nil, time.Since(start))
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.AccessExpiresAt - time.Now().Unix(),
	})
}

// RevokeToken handles POST /v1/auth/revoke: logout. The refresh token
// is blocked for its remaining lifetime.
func (s *Server) RevokeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	err := s.Rotator.Revoke(r.Context(), req.RefreshToken)
	s.Metrics.Auth.Observe("revoke", err, time.Since(start))
	if err != nil {
		if errors.Is(err, authn.ErrInvalidRefresh) {
			writeError(w, r, http.StatusUnauthorized, "invalid_refresh", "refresh token rejected")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "unavailable", "revocation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyToken handles GET /v1/auth/verify: runs the bearer token
// through the provider pipeline and reports the principal. Gateways
// call this to authenticate requests for services that do not embed
// the pipeline themselves.
func (s *Server) VerifyToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	cred, ok := bearerCredential(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "bad_credentials", "missing bearer token")
		return
	}

	principal, err := s.Pipeline.Authenticate(r.Context(), cred)
	s.Metrics.Auth.Observe("verify", err, time.Since(start))
	if err != nil {
		status, kind := authStatus(err)
		authFailureLog.Warn().
			Str("kind", kind).
			Str("remote_ip", r.RemoteAddr).
			Msg("token verification rejected")
		writeError(w, r, status, kind, "authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Subject:     principal.Subject,
		Authorities: principal.Authorities,
		TokenType:   string(principal.Type),
	})
}

// authStatus maps pipeline errors to an HTTP status and an opaque error
// kind. Key-fetch outages are retryable and read as 503; everything
// else is a 401 without internal detail.
func authStatus(err error) (int, string) {
	if errors.Is(err, authn.ErrKeyUnavailable) {
		return http.StatusServiceUnavailable, "key_unavailable"
	}
	return http.StatusUnauthorized, "bad_credentials"
}
