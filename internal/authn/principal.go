package authn

// TokenType declares which family of tokens a credential belongs to.
// An empty value means the caller does not know; providers then decide
// by inspecting the token itself.
type TokenType string

const (
	TokenTypeUnknown TokenType = ""
	TokenTypeLocal   TokenType = "LOCAL_JWT"
	TokenTypeOIDC    TokenType = "OIDC_JWT"
)

// Credential is the opaque envelope handed to the authentication
// pipeline: a compact token plus the type the caller claims it to be.
type Credential struct {
	Token string
	Type  TokenType
}

// Principal is the outcome of a successful authentication.
type Principal struct {
	Subject     string
	Authorities []string
	Token       string
	Type        TokenType
}

// HasAuthority reports whether the principal carries the given
// canonical authority.
func (p *Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}
