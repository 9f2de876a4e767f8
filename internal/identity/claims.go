package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Connection classifies how the principal authenticated at the identity provider.
type Connection string

const (
	ConnectionPassword Connection = "password"
	ConnectionSocial   Connection = "social"
	ConnectionMachine  Connection = "machine"
	ConnectionUnknown  Connection = "unknown"
)

// passwordProviders are subject prefixes issued by database (email/password) connections.
var passwordProviders = map[string]bool{
	"auth0": true,
}

// socialProviders are subject prefixes issued by social connections.
var socialProviders = map[string]bool{
	"google-oauth2": true,
	"github":        true,
	"linkedin":      true,
	"facebook":      true,
	"apple":         true,
	"windowslive":   true,
	"twitter":       true,
}

// ErrMissingSubject is returned when a token carries no "sub" claim.
var ErrMissingSubject = errors.New("token has no subject")

// Claims is the canonical, provider-independent view of a verified token.
// Every consumer reads identity facts from here and nowhere else.
type Claims struct {
	Subject       string     `json:"sub"`
	Provider      string     `json:"provider"`
	Connection    Connection `json:"connection"`
	Email         string     `json:"email,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	Name          string     `json:"name,omitempty"`
	Role          string     `json:"role,omitempty"`
	Roles         []string   `json:"roles,omitempty"`
}

// PasswordBased reports whether the identity belongs to a database connection.
func (c *Claims) PasswordBased() bool {
	return c != nil && c.Connection == ConnectionPassword
}

// rawClaims mirrors the non-namespaced part of the token payload.
type rawClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	EmailVerified any      `json:"email_verified"`
	Name          string   `json:"name"`
	Nickname      string   `json:"nickname"`
	Role          string   `json:"role"`
	Roles         []string `json:"roles"`
	GrantType     string   `json:"gty"`
}

// NormalizeClaims decodes a verified token payload into Claims.
//
// Namespaced custom claims (added by a login action under namespace) take
// precedence over the plain OIDC ones, since access tokens usually carry only
// the namespaced variants.
func NormalizeClaims(namespace string, payload []byte) (*Claims, error) {
	var raw rawClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	if strings.TrimSpace(raw.Subject) == "" {
		return nil, ErrMissingSubject
	}

	ns := strings.TrimRight(namespace, "/")
	lookup := func(name string) (any, bool) {
		if ns == "" {
			return nil, false
		}
		v, ok := all[ns+"/"+name]
		return v, ok
	}

	c := &Claims{
		Subject: raw.Subject,
		Email:   raw.Email,
		Name:    raw.Name,
	}
	if c.Name == "" {
		c.Name = raw.Nickname
	}

	if v, ok := lookup("email"); ok {
		if s, ok := v.(string); ok && s != "" {
			c.Email = s
		}
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))

	c.EmailVerified = truthy(raw.EmailVerified)
	if v, ok := lookup("email_verified"); ok {
		c.EmailVerified = truthy(v)
	}

	if v, ok := lookup("roles"); ok {
		c.Roles = stringSlice(v)
	}
	if len(c.Roles) == 0 {
		c.Roles = raw.Roles
	}
	if v, ok := lookup("role"); ok {
		if s, ok := v.(string); ok {
			c.Role = s
		}
	}
	if c.Role == "" {
		c.Role = raw.Role
	}
	if c.Role == "" && len(c.Roles) > 0 {
		c.Role = c.Roles[0]
	}
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))

	c.Provider, _ = SplitSubject(raw.Subject)
	c.Connection = ConnectionFromSubject(raw.Subject)
	if raw.GrantType == "client-credentials" {
		c.Connection = ConnectionMachine
	}

	return c, nil
}

// SplitSubject splits "provider|id" into its parts. Subjects without a
// separator are returned as ("", subject).
func SplitSubject(sub string) (provider, id string) {
	provider, id, ok := strings.Cut(sub, "|")
	if !ok {
		return "", sub
	}
	return provider, id
}

// ConnectionFromSubject derives the connection kind from a subject id.
func ConnectionFromSubject(sub string) Connection {
	if strings.HasSuffix(sub, "@clients") {
		return ConnectionMachine
	}
	provider, _ := SplitSubject(sub)
	switch {
	case passwordProviders[provider]:
		return ConnectionPassword
	case socialProviders[provider]:
		return ConnectionSocial
	case provider == "oauth2":
		return ConnectionSocial
	default:
		return ConnectionUnknown
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
