package identity_test

import (
	"testing"

	"github.com/jmerrifield20/linkdeal/internal/identity"
)

const testNamespace = "https://linkdeal.com"

func TestNormalizeClaims_fixtures(t *testing.T) {
	tests := []struct {
		name           string
		payload        string
		wantSubject    string
		wantProvider   string
		wantConnection identity.Connection
		wantEmail      string
		wantVerified   bool
		wantRole       string
	}{
		{
			name: "password access token with namespaced claims",
			payload: `{"sub":"auth0|abc","aud":["https://api.linkdeal.com"],
				"https://linkdeal.com/email":"Alice@Example.com",
				"https://linkdeal.com/email_verified":true,
				"https://linkdeal.com/roles":["mentee"]}`,
			wantSubject:    "auth0|abc",
			wantProvider:   "auth0",
			wantConnection: identity.ConnectionPassword,
			wantEmail:      "alice@example.com",
			wantVerified:   true,
			wantRole:       "mentee",
		},
		{
			name:           "google id token with plain claims",
			payload:        `{"sub":"google-oauth2|xyz","aud":"client","email":"alice@example.com","email_verified":true,"name":"Alice"}`,
			wantSubject:    "google-oauth2|xyz",
			wantProvider:   "google-oauth2",
			wantConnection: identity.ConnectionSocial,
			wantEmail:      "alice@example.com",
			wantVerified:   true,
		},
		{
			name:           "github with string email_verified and namespaced role",
			payload:        `{"sub":"github|42","email":"bob@example.com","email_verified":"true","https://linkdeal.com/role":"Mentor"}`,
			wantSubject:    "github|42",
			wantProvider:   "github",
			wantConnection: identity.ConnectionSocial,
			wantEmail:      "bob@example.com",
			wantVerified:   true,
			wantRole:       "mentor",
		},
		{
			name:           "namespaced email_verified overrides plain claim",
			payload:        `{"sub":"auth0|1","email":"c@example.com","email_verified":true,"https://linkdeal.com/email_verified":false}`,
			wantSubject:    "auth0|1",
			wantProvider:   "auth0",
			wantConnection: identity.ConnectionPassword,
			wantEmail:      "c@example.com",
			wantVerified:   false,
		},
		{
			name:           "machine to machine token",
			payload:        `{"sub":"abc123@clients","gty":"client-credentials","scope":"read:users update:users"}`,
			wantSubject:    "abc123@clients",
			wantConnection: identity.ConnectionMachine,
			wantProvider:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := identity.NormalizeClaims(testNamespace, []byte(tt.payload))
			if err != nil {
				t.Fatalf("NormalizeClaims: %v", err)
			}
			if c.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", c.Subject, tt.wantSubject)
			}
			if c.Provider != tt.wantProvider {
				t.Errorf("Provider = %q, want %q", c.Provider, tt.wantProvider)
			}
			if c.Connection != tt.wantConnection {
				t.Errorf("Connection = %q, want %q", c.Connection, tt.wantConnection)
			}
			if c.Email != tt.wantEmail {
				t.Errorf("Email = %q, want %q", c.Email, tt.wantEmail)
			}
			if c.EmailVerified != tt.wantVerified {
				t.Errorf("EmailVerified = %v, want %v", c.EmailVerified, tt.wantVerified)
			}
			if c.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", c.Role, tt.wantRole)
			}
		})
	}
}

func TestNormalizeClaims_missingSubject(t *testing.T) {
	if _, err := identity.NormalizeClaims(testNamespace, []byte(`{"email":"a@b.c"}`)); err == nil {
		t.Fatal("expected error for missing subject")
	}
}

func TestNormalizeClaims_invalidJSON(t *testing.T) {
	if _, err := identity.NormalizeClaims(testNamespace, []byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestSplitSubject(t *testing.T) {
	p, id := identity.SplitSubject("google-oauth2|xyz")
	if p != "google-oauth2" || id != "xyz" {
		t.Errorf("SplitSubject = (%q, %q)", p, id)
	}
	p, id = identity.SplitSubject("plain")
	if p != "" || id != "plain" {
		t.Errorf("SplitSubject(plain) = (%q, %q)", p, id)
	}
}

func TestConnectionFromSubject(t *testing.T) {
	cases := map[string]identity.Connection{
		"auth0|abc":         identity.ConnectionPassword,
		"google-oauth2|xyz": identity.ConnectionSocial,
		"linkedin|1":        identity.ConnectionSocial,
		"svc@clients":       identity.ConnectionMachine,
		"samlp|corp|1":      identity.ConnectionUnknown,
	}
	for sub, want := range cases {
		if got := identity.ConnectionFromSubject(sub); got != want {
			t.Errorf("ConnectionFromSubject(%q) = %q, want %q", sub, got, want)
		}
	}
}
