package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/correlation"
)

type contextKey string

const principalKey contextKey = "principal"

// CorrelationMiddleware reads the X-Correlation-ID header and installs
// it in the request context, generating one when the client did not
// provide it. The id is echoed on the response and stamped on every log
// line of the request, enabling end-to-end tracing across services.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlation.Header)
		if id == "" {
			id = correlation.NewID()
		}
		w.Header().Set(correlation.Header, id)

		ctx := correlation.With(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one line per request with method, path, status and
// latency, through the contextual logger so the correlation id rides
// along.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Authenticator verifies bearer credentials. Satisfied by
// authn.Pipeline.
type Authenticator interface {
	Authenticate(ctx context.Context, cred authn.Credential) (*authn.Principal, error)
}

// bearerCredential extracts the compact token and the declared type
// from the request. The X-Token-Type header is advisory; an absent or
// unrecognised value leaves the type unknown and the pipeline decides.
func bearerCredential(r *http.Request) (authn.Credential, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return authn.Credential{}, false
	}
	cred := authn.Credential{Token: token}
	switch r.Header.Get("X-Token-Type") {
	case string(authn.TokenTypeLocal):
		cred.Type = authn.TokenTypeLocal
	case string(authn.TokenTypeOIDC):
		cred.Type = authn.TokenTypeOIDC
	}
	return cred, true
}

// RequireAuth authenticates the bearer token and stores the principal
// in the request context. Missing or bad credentials end the request
// with 401; a key-fetch outage with 503 so clients retry.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := bearerCredential(r)
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "bad_credentials", "missing bearer token")
				return
			}

			principal, err := auth.Authenticate(r.Context(), cred)
			if err != nil {
				status, kind := authStatus(err)
				writeError(w, r, status, kind, "authentication failed")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the authenticated principal stored by
// RequireAuth, or nil.
func PrincipalFrom(ctx context.Context) *authn.Principal {
	p, _ := ctx.Value(principalKey).(*authn.Principal)
	return p
}

// RequireAuthority ends the request with 403 unless the authenticated
// principal carries the given authority. It must run inside RequireAuth.
func RequireAuthority(authority string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r.Context())
			if principal == nil {
				writeError(w, r, http.StatusUnauthorized, "bad_credentials", "authentication required")
				return
			}
			if !principal.HasAuthority(authority) {
				log.Ctx(r.Context()).Warn().
					Str("subject", principal.Subject).
					Str("required", authority).
					Str("path", r.URL.Path).
					Msg("authority check failed")
				writeError(w, r, http.StatusForbidden, "forbidden", "insufficient authority")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
