// Package identity verifies identity provider access tokens and exposes the
// normalized claims to HTTP handlers.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

var (
	// ErrAuthenticationFailed is the root of every token verification failure.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedHeader is returned when the Authorization header is not "Bearer <token>".
	ErrMalformedHeader = fmt.Errorf("%w: malformed authorization header", ErrAuthenticationFailed)
)

// VerifierConfig configures a TokenVerifier against an identity provider tenant.
type VerifierConfig struct {
	// Domain is the tenant host, e.g. "linkdeal.eu.auth0.com".
	Domain string
	// Audience is the API identifier that must appear in "aud".
	Audience string
	// Namespace prefixes the custom claims added by the login action.
	Namespace string
	// HTTPClient is used for JWKS fetches. Defaults to a 10s-timeout client.
	HTTPClient *http.Client
}

// TokenVerifier validates bearer tokens against the provider's published
// signing keys and returns normalized Claims.
type TokenVerifier struct {
	verifier  *oidc.IDTokenVerifier
	namespace string
}

// NewTokenVerifier creates a TokenVerifier backed by the tenant's remote JWKS.
//
// Keys are cached by the remote key set and refetched whenever a token names a
// key id the cache does not hold, so rotated keys are picked up without a restart.
// ctx must outlive the verifier; it scopes background key fetches.
func NewTokenVerifier(ctx context.Context, cfg VerifierConfig) (*TokenVerifier, error) {
	domain := strings.TrimSuffix(strings.TrimPrefix(cfg.Domain, "https://"), "/")
	if domain == "" {
		return nil, errors.New("token verifier: domain is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("token verifier: audience is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	issuer := "https://" + domain + "/"
	keys := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, client), issuer+".well-known/jwks.json")
	return NewTokenVerifierWithKeySet(issuer, cfg.Audience, cfg.Namespace, keys, nil), nil
}

// NewTokenVerifierWithKeySet creates a TokenVerifier on an explicit key set.
// now may be nil to use the wall clock.
func NewTokenVerifierWithKeySet(issuer, audience, namespace string, keys oidc.KeySet, now func() time.Time) *TokenVerifier {
	v := oidc.NewVerifier(issuer, keys, &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: []string{oidc.RS256},
		Now:                  now,
	})
	return &TokenVerifier{verifier: v, namespace: namespace}
}

// Verify checks signature, issuer, audience and expiry of rawToken and returns
// its normalized claims.
func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, ErrMalformedHeader
	}

	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	var payload json.RawMessage
	if err := tok.Claims(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	claims, err := NormalizeClaims(v.namespace, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return claims, nil
}

// VerifyHeader extracts the bearer token from an Authorization header value and verifies it.
func (v *TokenVerifier) VerifyHeader(ctx context.Context, header string) (*Claims, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMalformedHeader
	}
	return v.Verify(ctx, strings.TrimSpace(token))
}
