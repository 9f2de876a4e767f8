package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/api"
	"github.com/jmerrifield20/linkdeal/internal/auth"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/linking"
	"github.com/jmerrifield20/linkdeal/internal/users"
	"github.com/jmerrifield20/linkdeal/internal/users/userstest"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier map[string]*identity.Claims

func (s stubVerifier) VerifyHeader(_ context.Context, header string) (*identity.Claims, error) {
	c, ok := s[strings.TrimPrefix(header, "Bearer ")]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", identity.ErrAuthenticationFailed)
	}
	cp := *c
	return &cp, nil
}

type stubLinking struct {
	mu          sync.Mutex
	requestRes  *linking.RequestResult
	requestErr  error
	lastClaims  *identity.Claims
	lastInput   linking.RequestInput
	verifyUser  *users.User
	verifyErr   error
	verifyToken string
}

func (s *stubLinking) RequestLinking(_ context.Context, claims *identity.Claims, in linking.RequestInput) (*linking.RequestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClaims, s.lastInput = claims, in
	return s.requestRes, s.requestErr
}

func (s *stubLinking) VerifyLinking(_ context.Context, token string) (*users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyToken = token
	return s.verifyUser, s.verifyErr
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

// ── Fixture ──────────────────────────────────────────────────────────────

type fixture struct {
	store    *userstest.Store
	provider *userstest.Provider
	mailer   *userstest.Mailer
	verifier stubVerifier
	linking  *stubLinking
	router   *gin.Engine
}

func newFixture(t *testing.T, cfg api.RouterConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		store:    userstest.NewStore(),
		provider: userstest.NewProvider(),
		mailer:   &userstest.Mailer{},
		verifier: stubVerifier{},
		linking:  &stubLinking{},
	}
	svc := users.NewService(f.store, &userstest.Tx{}, f.provider, f.mailer, "https://app.linkdeal.test", zap.NewNop())
	authn := auth.NewAuthenticator(f.verifier, svc, zap.NewNop())
	h := api.NewHandler(svc, f.linking, f.verifier, authn, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.router = api.NewRouter(ctx, cfg, h, zap.NewNop())
	return f
}

// seedAccount creates a user reachable with the bearer token key.
func (f *fixture) seedAccount(key, sub, email string, role users.Role, status users.ModerationStatus) *users.User {
	u := f.store.Seed(sub, email, role, status)
	f.verifier[key] = &identity.Claims{
		Subject: sub, Provider: "auth0", Connection: identity.ConnectionPassword,
		Email: email, EmailVerified: true,
	}
	return u
}

func (f *fixture) do(method, path, token string, body any) (*httptest.ResponseRecorder, response.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, env response.Response, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("error code: want %s, got %s", code, w.Body.String())
	}
}

func dataMap(t *testing.T, env response.Response) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	return m
}

// ── Registration ─────────────────────────────────────────────────────────

func TestRegisterPassword(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	w, env := f.do(http.MethodPost, "/auth/register/mentee/", "", map[string]any{
		"email":    "New@Example.com",
		"password": "correct-horse",
		"profile":  map[string]any{"full_name": "New Mentee", "interests": "go,rust"},
	})
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	u := dataMap(t, env)["user"].(map[string]any)
	if u["email"] != "new@example.com" || u["role"] != "mentee" {
		t.Errorf("user = %v", u)
	}
	if f.mailer.Count() != 2 {
		t.Errorf("expected welcome and verification mails, got %d", f.mailer.Count())
	}

	w, env = f.do(http.MethodPost, "/auth/register/mentor/", "", map[string]any{
		"email": "new@example.com", "password": "correct-horse",
		"profile": map[string]any{"bio": "b", "skills": []string{"go"}},
	})
	expectError(t, w, env, http.StatusConflict, "EMAIL_EXISTS")
}

func TestRegisterPassword_ValidationDetails(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	w, env := f.do(http.MethodPost, "/auth/register/mentor/", "", map[string]any{
		"email": "m@example.com", "password": "correct-horse",
		"profile": map[string]any{"skills": []string{"go"}},
	})
	expectError(t, w, env, http.StatusBadRequest, "VALIDATION_ERROR")
	if _, ok := env.Error.Details["bio"]; !ok {
		t.Errorf("missing bio detail: %v", env.Error.Details)
	}
	if f.provider.Called("create_user") != 0 {
		t.Error("provider user created for invalid input")
	}

	w, env = f.do(http.MethodPost, "/auth/register/mentee/", "", nil)
	expectError(t, w, env, http.StatusBadRequest, "BAD_REQUEST")
}

func TestRegisterSocial(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.verifier["alice-google"] = &identity.Claims{
		Subject: "google-oauth2|xyz", Provider: "google-oauth2", Connection: identity.ConnectionSocial,
		Email: "alice@example.com", EmailVerified: true,
	}
	f.verifier["bob-github"] = &identity.Claims{
		Subject: "github|42", Provider: "github", Connection: identity.ConnectionSocial,
		Email: "bob@example.com", EmailVerified: true, Name: "Bob",
	}

	w, env := f.do(http.MethodPost, "/auth/register/mentee/social/", "", nil)
	expectError(t, w, env, http.StatusUnauthorized, "AUTHENTICATION_FAILED")

	w, env = f.do(http.MethodPost, "/auth/register/mentee/social/", "alice-google", nil)
	expectError(t, w, env, http.StatusConflict, "REQUIRES_LINKING")
	if env.Error.Details["requires_linking"] != true || env.Error.Details["email"] != "alice@example.com" {
		t.Errorf("details = %v", env.Error.Details)
	}

	w, env = f.do(http.MethodPost, "/auth/register/mentee/social/", "bob-github", map[string]any{
		"profile": map[string]any{"goals": "learn go"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	w, env = f.do(http.MethodPost, "/auth/register/mentee/social/", "bob-github", nil)
	expectError(t, w, env, http.StatusConflict, "ALREADY_REGISTERED")
}

func TestCheckEmail(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)

	tests := []struct {
		email  string
		exists bool
	}{
		{"alice@example.com", true},
		{"ALICE@example.com", true},
		{"nobody@example.com", false},
	}
	for _, tc := range tests {
		w, env := f.do(http.MethodPost, "/auth/register/check-email/", "", map[string]string{"email": tc.email})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tc.email, w.Code)
		}
		if got := dataMap(t, env)["exists"]; got != tc.exists {
			t.Errorf("%s: exists = %v, want %v", tc.email, got, tc.exists)
		}
	}

	w, env := f.do(http.MethodPost, "/auth/register/check-email/", "", map[string]string{"email": "not-an-email"})
	expectError(t, w, env, http.StatusBadRequest, "VALIDATION_ERROR")
}

// ── Account linking ──────────────────────────────────────────────────────

func TestRequestLinking(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.verifier["google"] = &identity.Claims{
		Subject: "google-oauth2|xyz", Connection: identity.ConnectionSocial, Email: "alice@example.com",
	}

	w, env := f.do(http.MethodPost, "/auth/register/request-linking/", "", map[string]any{"consent": true})
	expectError(t, w, env, http.StatusUnauthorized, "AUTHENTICATION_FAILED")

	f.linking.requestErr = linking.ErrConsentRequired
	w, env = f.do(http.MethodPost, "/auth/register/request-linking/", "google", map[string]any{"consent": false})
	expectError(t, w, env, http.StatusBadRequest, "CONSENT_REQUIRED")

	f.linking.requestErr = fmt.Errorf("%w: lookup", linking.ErrVerificationUnavailable)
	w, env = f.do(http.MethodPost, "/auth/register/request-linking/", "google", map[string]any{"consent": true})
	expectError(t, w, env, http.StatusBadGateway, "VERIFICATION_UNAVAILABLE")

	expires := time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC)
	f.linking.requestErr = nil
	f.linking.requestRes = &linking.RequestResult{Email: "alice@example.com", ExpiresAt: expires}
	w, env = f.do(http.MethodPost, "/auth/register/request-linking/", "google", map[string]any{
		"consent": true, "role": "mentee", "payload": map[string]any{"goals": "x"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if dataMap(t, env)["email"] != "alice@example.com" {
		t.Errorf("data = %v", env.Data)
	}
	if f.linking.lastClaims.Subject != "google-oauth2|xyz" || !f.linking.lastInput.Consent || f.linking.lastInput.Role != users.RoleMentee {
		t.Errorf("forwarded claims=%+v input=%+v", f.linking.lastClaims, f.linking.lastInput)
	}
}

func TestVerifyLinking(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown", linking.ErrTokenNotFound, http.StatusBadRequest, "INVALID_LINK"},
		{"used", linking.ErrAlreadyVerified, http.StatusBadRequest, "ALREADY_VERIFIED"},
		{"expired", linking.ErrExpired, http.StatusBadRequest, "LINK_EXPIRED"},
		{"provider", fmt.Errorf("link identity: %w", &idp.ExternalServiceError{Op: "link_identity", StatusCode: 500}), http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f.linking.verifyErr = tc.err
			w, env := f.do(http.MethodGet, "/auth/register/verify-linking/tok-123/", "", nil)
			expectError(t, w, env, tc.status, tc.code)
		})
	}

	f.linking.verifyErr = nil
	f.linking.verifyUser = &users.User{ID: uuid.New(), Email: "alice@example.com", Role: users.RoleMentee}
	w, _ := f.do(http.MethodGet, "/auth/register/verify-linking/tok-123/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if f.linking.verifyToken != "tok-123" {
		t.Errorf("token = %q", f.linking.verifyToken)
	}
}

// ── Email tokens ─────────────────────────────────────────────────────────

func TestVerifyEmailFlow(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	w, _ := f.do(http.MethodPost, "/auth/register/mentee/", "", map[string]any{
		"email": "v@example.com", "password": "correct-horse",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	token := userstest.TokenFromBody(f.mailer.Last().Body, "?token=")
	if token == "" {
		t.Fatal("no verification token mailed")
	}

	w, env := f.do(http.MethodPost, "/auth/verify-email/", "", map[string]string{"token": token})
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
	w, env = f.do(http.MethodPost, "/auth/verify-email/", "", map[string]string{"token": token})
	expectError(t, w, env, http.StatusBadRequest, "INVALID_TOKEN")
}

func TestPasswordFlow(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.store.Seed("auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	f.provider.Add("auth0|abc", "alice@example.com", false)

	for _, addr := range []string{"alice@example.com", "nobody@example.com"} {
		w, env := f.do(http.MethodPost, "/auth/password/forgot/", "", map[string]string{"email": addr})
		if w.Code != http.StatusOK || env.Message == "" {
			t.Fatalf("forgot %s: %d %s", addr, w.Code, w.Body.String())
		}
	}
	if f.mailer.Count() != 1 {
		t.Fatalf("mails = %d, want 1", f.mailer.Count())
	}
	token := userstest.TokenFromBody(f.mailer.Last().Body, "?token=")

	w, env := f.do(http.MethodPost, "/auth/password/reset/", "", map[string]string{"token": token, "password": "short"})
	expectError(t, w, env, http.StatusBadRequest, "VALIDATION_ERROR")

	w, _ = f.do(http.MethodPost, "/auth/password/reset/", "", map[string]string{"token": token, "password": "a-much-better-one"})
	if w.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", w.Code, w.Body.String())
	}
}

// ── Authenticated profile ────────────────────────────────────────────────

func TestMe(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	u := f.seedAccount("alice", "auth0|abc", "alice@example.com", users.RoleMentee, users.ModerationActive)
	_ = f.store.AddLinkedIdentity(context.Background(), u.ID, "google-oauth2|xyz")

	w, env := f.do(http.MethodGet, "/auth/me/", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	data := dataMap(t, env)
	if data["user"].(map[string]any)["email"] != "alice@example.com" {
		t.Errorf("user = %v", data["user"])
	}
	if data["profile"] == nil {
		t.Error("missing profile")
	}
	if ids := data["linked_identities"].([]any); len(ids) != 1 {
		t.Errorf("linked identities = %v", ids)
	}

	w, env = f.do(http.MethodGet, "/auth/me/", "", nil)
	expectError(t, w, env, http.StatusUnauthorized, "AUTHENTICATION_FAILED")
}

// ── Admin ────────────────────────────────────────────────────────────────

func TestAdminModeration(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.seedAccount("admin", "auth0|admin", "admin@example.com", users.RoleAdmin, "")
	f.seedAccount("mentee", "auth0|mentee", "mentee@example.com", users.RoleMentee, users.ModerationActive)
	mentor := f.store.Seed("auth0|mentor", "mentor@example.com", users.RoleMentor, users.ModerationPending)
	approve := "/auth/admin/mentors/" + mentor.ID.String() + "/approve/"

	w, env := f.do(http.MethodPost, approve, "mentee", nil)
	expectError(t, w, env, http.StatusForbidden, "FORBIDDEN")

	w, env = f.do(http.MethodPost, approve, "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	if dataMap(t, env)["status"] != "approved" {
		t.Errorf("profile = %v", env.Data)
	}

	w, env = f.do(http.MethodPost, "/auth/admin/mentors/"+mentor.ID.String()+"/reject/", "admin", map[string]string{"reason": "late"})
	expectError(t, w, env, http.StatusConflict, "INVALID_TRANSITION")

	w, env = f.do(http.MethodPost, "/auth/admin/mentors/not-a-uuid/approve/", "admin", nil)
	expectError(t, w, env, http.StatusBadRequest, "BAD_REQUEST")

	w, env = f.do(http.MethodPost, "/auth/admin/users/"+uuid.NewString()+"/ban/", "admin", nil)
	expectError(t, w, env, http.StatusNotFound, "NOT_FOUND")

	w, _ = f.do(http.MethodPost, "/auth/admin/users/"+mentor.ID.String()+"/ban/", "admin", map[string]string{"reason": "spam"})
	if w.Code != http.StatusOK {
		t.Fatalf("ban: %d %s", w.Code, w.Body.String())
	}
	w, _ = f.do(http.MethodPost, "/auth/admin/users/"+mentor.ID.String()+"/unban/", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unban: %d %s", w.Code, w.Body.String())
	}

	w, env = f.do(http.MethodGet, "/auth/admin/users/?role=mentor", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if n := dataMap(t, env)["count"]; n != float64(1) {
		t.Errorf("count = %v", n)
	}
	w, env = f.do(http.MethodGet, "/auth/admin/users/?role=pirate", "admin", nil)
	expectError(t, w, env, http.StatusBadRequest, "INVALID_ROLE")
}

func TestAdminInviteRequiresSuperAdmin(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.seedAccount("admin", "auth0|admin", "admin@example.com", users.RoleAdmin, "")
	f.seedAccount("root", "auth0|root", "root@example.com", users.RoleSuperAdmin, "")
	body := map[string]string{"email": "new-admin@example.com", "full_name": "New Admin"}

	w, env := f.do(http.MethodPost, "/auth/admin/invite/", "admin", body)
	expectError(t, w, env, http.StatusForbidden, "FORBIDDEN")

	w, env = f.do(http.MethodPost, "/auth/admin/invite/", "root", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("invite: %d %s", w.Code, w.Body.String())
	}
	if dataMap(t, env)["status"] != "invited" {
		t.Errorf("user = %v", env.Data)
	}
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.seedAccount("admin", "auth0|admin", "admin@example.com", users.RoleAdmin, "")
	target := f.store.Seed("auth0|gone", "gone@example.com", users.RoleMentee, users.ModerationActive)
	f.provider.Add("auth0|gone", "gone@example.com", true)

	w, _ := f.do(http.MethodDelete, "/auth/admin/users/"+target.ID.String()+"/", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if _, err := f.store.GetUserByID(context.Background(), target.ID); !errors.Is(err, users.ErrNotFound) {
		t.Errorf("user still present: %v", err)
	}
}

// ── Middleware ───────────────────────────────────────────────────────────

func TestUnexpectedErrorIsGeneric(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.linking.verifyErr = errors.New("pq: relation does not exist")

	w, env := f.do(http.MethodGet, "/auth/register/verify-linking/x/", "", nil)
	expectError(t, w, env, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	if strings.Contains(w.Body.String(), "relation") {
		t.Errorf("internal detail leaked: %s", w.Body.String())
	}
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("missing request id header: %q", w.Header().Get("X-Request-ID"))
	}
}

func TestRecoveryAndRequestID(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.router.GET("/boom", func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	id := uuid.NewString()
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") != id {
		t.Errorf("request id not echoed: %q", w.Header().Get("X-Request-ID"))
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t, api.RouterConfig{RateLimitRPS: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w, _ := f.do(http.MethodGet, "/healthz", "", nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, api.RouterConfig{Health: stubPinger{}})
	if w, _ := f.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d", w.Code)
	}

	f = newFixture(t, api.RouterConfig{Health: stubPinger{err: errors.New("down")}})
	w, env := f.do(http.MethodGet, "/healthz", "", nil)
	expectError(t, w, env, http.StatusServiceUnavailable, "UNAVAILABLE")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	f.do(http.MethodGet, "/healthz", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "linkdeal_http_requests_total") {
		t.Errorf("metrics output missing request counter (status %d)", w.Code)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, api.RouterConfig{CORSOrigins: []string{"https://app.linkdeal.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/auth/me/", nil)
	req.Header.Set("Origin", "https://app.linkdeal.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.linkdeal.test" {
		t.Errorf("allow origin = %q", got)
	}
}
