package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/auth"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/users"
	"github.com/jmerrifield20/linkdeal/internal/users/userstest"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

// ── Stubs ────────────────────────────────────────────────────────────────

// stubVerifier maps "Bearer <key>" headers to canned claims.
type stubVerifier map[string]*identity.Claims

func (s stubVerifier) VerifyHeader(_ context.Context, header string) (*identity.Claims, error) {
	c, ok := s[strings.TrimPrefix(header, "Bearer ")]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", identity.ErrAuthenticationFailed)
	}
	cp := *c
	return &cp, nil
}

// brokenDirectory fails every lookup.
type brokenDirectory struct{ *users.Service }

func (brokenDirectory) FindByExternalID(context.Context, string) (*users.User, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	store    *userstest.Store
	verifier stubVerifier
	users    *users.Service
	auth     *auth.Authenticator
}

func newFixture() *fixture {
	f := &fixture{store: userstest.NewStore(), verifier: stubVerifier{}}
	f.users = users.NewService(f.store, &userstest.Tx{}, userstest.NewProvider(), &userstest.Mailer{}, "https://app.linkdeal.test", zap.NewNop())
	f.auth = auth.NewAuthenticator(f.verifier, f.users, zap.NewNop())
	return f
}

func passwordClaims(sub, email string, verified bool, role string) *identity.Claims {
	return &identity.Claims{
		Subject: sub, Provider: "auth0", Connection: identity.ConnectionPassword,
		Email: email, EmailVerified: verified, Role: role,
	}
}

func socialClaims(sub, email, role string) *identity.Claims {
	provider, _ := identity.SplitSubject(sub)
	return &identity.Claims{
		Subject: sub, Provider: provider, Connection: identity.ConnectionSocial,
		Email: email, EmailVerified: true, Role: role,
	}
}

// ── Authenticate ─────────────────────────────────────────────────────────

func TestAuthenticate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.Seed("auth0|mentee", "mentee@x.io", users.RoleMentee, users.ModerationActive)
	f.store.Seed("auth0|unverified", "unverified@x.io", users.RoleMentee, users.ModerationActive)
	f.store.Seed("auth0|approved", "approved@x.io", users.RoleMentor, users.ModerationApproved)
	f.store.Seed("auth0|pending", "pending@x.io", users.RoleMentor, users.ModerationPending)
	f.store.Seed("auth0|rejected", "rejected@x.io", users.RoleMentor, users.ModerationRejected)
	f.store.Seed("auth0|mbanned", "mbanned@x.io", users.RoleMentor, users.ModerationBanned)
	f.store.Seed("auth0|ebanned", "ebanned@x.io", users.RoleMentee, users.ModerationBanned)
	f.store.Seed("github|noprofile", "noprofile@x.io", users.RoleMentor, "")
	f.store.Seed("auth0|admin", "admin@x.io", users.RoleAdmin, "")

	f.verifier["mentee"] = passwordClaims("auth0|mentee", "mentee@x.io", true, "")
	f.verifier["unverified"] = passwordClaims("auth0|unverified", "unverified@x.io", false, "")
	f.verifier["approved"] = passwordClaims("auth0|approved", "approved@x.io", true, "")
	f.verifier["pending"] = passwordClaims("auth0|pending", "pending@x.io", true, "")
	f.verifier["rejected"] = passwordClaims("auth0|rejected", "rejected@x.io", true, "")
	f.verifier["mbanned"] = passwordClaims("auth0|mbanned", "mbanned@x.io", true, "")
	f.verifier["ebanned"] = passwordClaims("auth0|ebanned", "ebanned@x.io", true, "")
	f.verifier["noprofile"] = socialClaims("github|noprofile", "noprofile@x.io", "")
	f.verifier["admin"] = passwordClaims("auth0|admin", "admin@x.io", true, "")
	f.verifier["stranger"] = socialClaims("google-oauth2|new", "new@x.io", "mentee")

	tests := []struct {
		token   string
		wantErr error
	}{
		{"mentee", nil},
		{"approved", nil},
		{"admin", nil},
		{"unverified", auth.ErrEmailNotVerified},
		{"pending", auth.ErrMentorPending},
		{"rejected", auth.ErrMentorRejected},
		{"mbanned", auth.ErrMentorBanned},
		{"ebanned", auth.ErrMenteeBanned},
		{"noprofile", auth.ErrMentorPending},
		{"stranger", auth.ErrNotRegistered},
		{"garbage", auth.ErrAuthenticationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.token, func(t *testing.T) {
			p, err := f.auth.Authenticate(ctx, "Bearer "+tc.token)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.User == nil || p.Claims.Subject == "" {
					t.Errorf("incomplete principal: %+v", p)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestAuthenticate_RequiresLinking(t *testing.T) {
	f := newFixture()
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.verifier["google"] = socialClaims("google-oauth2|xyz", "Alice@Example.com", "")

	_, err := f.auth.Authenticate(context.Background(), "Bearer google")
	var linkErr *auth.LinkingRequiredError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected LinkingRequiredError, got %v", err)
	}
	if linkErr.Email != "alice@example.com" || linkErr.ExistingRole != users.RoleMentee {
		t.Errorf("linking error = %+v", linkErr)
	}
	if f.store.Count() != 1 {
		t.Errorf("authentication created users: %d", f.store.Count())
	}
}

func TestAuthenticate_LinkedIdentityResolves(t *testing.T) {
	f := newFixture()
	u := f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	_ = f.store.AddLinkedIdentity(context.Background(), u.ID, "google-oauth2|xyz")
	f.verifier["google"] = socialClaims("google-oauth2|xyz", "alice@example.com", "")

	p, err := f.auth.Authenticate(context.Background(), "Bearer google")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.User.ID != u.ID {
		t.Errorf("resolved to %s, want %s", p.User.ID, u.ID)
	}
}

func TestAuthenticate_SyncsMissingRole(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.store.Seed("github|r", "r@x.io", "", "")
	_ = f.store.SaveMenteeProfile(ctx, &users.MenteeProfile{UserID: u.ID, Status: users.ModerationActive})

	f.verifier["bad"] = socialClaims("github|r", "r@x.io", "overlord")
	if _, err := f.auth.Authenticate(ctx, "Bearer bad"); !errors.Is(err, auth.ErrRoleMissing) {
		t.Fatalf("invalid role claim: expected ErrRoleMissing, got %v", err)
	}
	f.verifier["none"] = socialClaims("github|r", "r@x.io", "")
	if _, err := f.auth.Authenticate(ctx, "Bearer none"); !errors.Is(err, auth.ErrRoleMissing) {
		t.Fatalf("no role claim: expected ErrRoleMissing, got %v", err)
	}

	f.verifier["good"] = socialClaims("github|r", "r@x.io", "mentee")
	p, err := f.auth.Authenticate(ctx, "Bearer good")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.User.Role != users.RoleMentee {
		t.Errorf("role = %q", p.User.Role)
	}
	stored, _ := f.store.GetUserByID(ctx, u.ID)
	if stored.Role != users.RoleMentee {
		t.Errorf("stored role = %q", stored.Role)
	}
}

func TestAuthenticate_ActivatesInvitedUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.store.Seed("auth0|inv", "inv@x.io", users.RoleAdmin, "")
	_ = f.store.UpdateStatus(ctx, u.ID, users.StatusInvited)
	f.verifier["inv"] = passwordClaims("auth0|inv", "inv@x.io", true, "admin")

	p, err := f.auth.Authenticate(ctx, "Bearer inv")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.User.Status != users.StatusActive {
		t.Errorf("status = %s", p.User.Status)
	}
}

func TestAuthenticate_UnexpectedErrorsCollapse(t *testing.T) {
	f := newFixture()
	f.verifier["x"] = socialClaims("github|x", "x@x.io", "mentee")
	a := auth.NewAuthenticator(f.verifier, brokenDirectory{f.users}, zap.NewNop())

	_, err := a.Authenticate(context.Background(), "Bearer x")
	if !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		t.Errorf("internal detail leaked: %v", err)
	}
}

// ── Middleware ───────────────────────────────────────────────────────────

func newRouter(a *auth.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", a.Middleware(), func(c *gin.Context) {
		p := auth.PrincipalFromCtx(c)
		response.Success(c, http.StatusOK, gin.H{"id": p.User.ID, "role": p.User.Role})
	})
	r.GET("/admin", a.Middleware(), auth.RequireRole(users.RoleAdmin, users.RoleSuperAdmin), func(c *gin.Context) {
		response.Message(c, http.StatusOK, "ok")
	})
	return r
}

func doGet(r http.Handler, path, token string) (*httptest.ResponseRecorder, response.Response) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestMiddleware_Statuses(t *testing.T) {
	f := newFixture()
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.store.Seed("auth0|b", "banned@x.io", users.RoleMentor, users.ModerationBanned)
	f.verifier["alice"] = passwordClaims("auth0|abc", "alice@example.com", true, "")
	f.verifier["google"] = socialClaims("google-oauth2|xyz", "alice@example.com", "")
	f.verifier["banned"] = passwordClaims("auth0|b", "banned@x.io", true, "")
	r := newRouter(f.auth)

	tests := []struct {
		name, token string
		status      int
		code        string
	}{
		{"ok", "alice", http.StatusOK, ""},
		{"no token", "", http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
		{"bad token", "nope", http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
		{"banned", "banned", http.StatusForbidden, "ACCOUNT_BANNED"},
		{"linking", "google", http.StatusConflict, "REQUIRES_LINKING"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, body := doGet(r, "/me", tc.token)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.status, w.Body.String())
			}
			if tc.code == "" {
				if !body.Success {
					t.Errorf("expected success envelope: %s", w.Body.String())
				}
				return
			}
			if body.Success || body.Error == nil || body.Error.Code != tc.code {
				t.Errorf("unexpected envelope: %s", w.Body.String())
			}
		})
	}
}

func TestMiddleware_LinkingDetails(t *testing.T) {
	f := newFixture()
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.verifier["google"] = socialClaims("google-oauth2|xyz", "alice@example.com", "")

	_, body := doGet(newRouter(f.auth), "/me", "google")
	if body.Error == nil || body.Error.Details["requires_linking"] != true {
		t.Fatalf("missing requires_linking detail: %+v", body.Error)
	}
	if body.Error.Details["role"] != "mentee" {
		t.Errorf("role detail = %v", body.Error.Details["role"])
	}
}

func TestRequireRole(t *testing.T) {
	f := newFixture()
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.store.Seed("auth0|admin", "admin@x.io", users.RoleAdmin, "")
	f.verifier["alice"] = passwordClaims("auth0|abc", "alice@example.com", true, "")
	f.verifier["admin"] = passwordClaims("auth0|admin", "admin@x.io", true, "")
	r := newRouter(f.auth)

	if w, _ := doGet(r, "/admin", "alice"); w.Code != http.StatusForbidden {
		t.Errorf("mentee on admin route: status = %d", w.Code)
	}
	if w, _ := doGet(r, "/admin", "admin"); w.Code != http.StatusOK {
		t.Errorf("admin on admin route: status = %d", w.Code)
	}
}
