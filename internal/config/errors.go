package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found.
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON.
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrMissingService indicates the service name is not set.
	ErrMissingService = errors.New("service name is required")

	// ErrNoAuthProvider indicates neither local issuance nor OIDC is enabled.
	ErrNoAuthProvider = errors.New("at least one of auth.localIssuerEnabled or auth.oidcEnabled must be true")

	// ErrMissingLocalKeys indicates local issuance is enabled without keys.
	ErrMissingLocalKeys = errors.New("auth.hmacSecret or auth.localPrivateKeyPath is required when local issuance is enabled")

	// ErrMissingOIDCIssuer indicates OIDC is enabled without an issuer URI.
	ErrMissingOIDCIssuer = errors.New("auth.oidcIssuerUri is required when OIDC is enabled")

	// ErrMissingJWKSetURI indicates OIDC is enabled without a JWK-set URI.
	ErrMissingJWKSetURI = errors.New("auth.oidcJwkSetUri is required when OIDC is enabled")

	// ErrMissingOIDCClientID indicates audience verification without a client id.
	ErrMissingOIDCClientID = errors.New("auth.oidcClientId is required when audience verification is enabled")

	// ErrInvalidValue indicates a configuration value outside its valid range.
	ErrInvalidValue = errors.New("invalid configuration value")
)
