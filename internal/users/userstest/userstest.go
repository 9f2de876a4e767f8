// Package userstest provides in-memory fakes of the users package
// collaborators for tests.
package userstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// ── Store ────────────────────────────────────────────────────────────────

// Store is an in-memory users.Store.
type Store struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*users.User
	identities map[string]uuid.UUID
	mentors    map[uuid.UUID]*users.MentorProfile
	mentees    map[uuid.UUID]*users.MenteeProfile
	tokens     map[uuid.UUID]*users.Token

	// FailCreateUser makes CreateUser return this error when set.
	FailCreateUser error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:      make(map[uuid.UUID]*users.User),
		identities: make(map[string]uuid.UUID),
		mentors:    make(map[uuid.UUID]*users.MentorProfile),
		mentees:    make(map[uuid.UUID]*users.MenteeProfile),
		tokens:     make(map[uuid.UUID]*users.Token),
	}
}

func (s *Store) CreateUser(_ context.Context, u *users.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreateUser != nil {
		return s.FailCreateUser
	}
	u.Email = strings.ToLower(u.Email)
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return users.ErrDuplicateEmail
		}
		if existing.ExternalID == u.ExternalID {
			return users.ErrDuplicateExternalID
		}
	}
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, users.ErrNotFound
}

func (s *Store) GetUserByExternalID(_ context.Context, externalID string) (*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	if id, ok := s.identities[externalID]; ok {
		cp := *s.users[id]
		return &cp, nil
	}
	return nil, users.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, f users.ListFilter) ([]*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*users.User
	for _, u := range s.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.Email != "" && !strings.Contains(u.Email, strings.ToLower(f.Email)) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SetRoleIfEmpty(_ context.Context, id uuid.UUID, role users.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Role != "" {
		return false, nil
	}
	u.Role = role
	return true, nil
}

func (s *Store) UpdateRole(_ context.Context, id uuid.UUID, role users.Role) error {
	return s.mutate(id, func(u *users.User) { u.Role = role })
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status users.AccountStatus) error {
	return s.mutate(id, func(u *users.User) { u.Status = status })
}

func (s *Store) UpdateFullName(_ context.Context, id uuid.UUID, name string) error {
	return s.mutate(id, func(u *users.User) { u.FullName = name })
}

func (s *Store) mutate(id uuid.UUID, fn func(*users.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return users.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return users.ErrNotFound
	}
	delete(s.users, id)
	delete(s.mentors, id)
	delete(s.mentees, id)
	for ext, owner := range s.identities {
		if owner == id {
			delete(s.identities, ext)
		}
	}
	for tid, t := range s.tokens {
		if t.UserID == id {
			delete(s.tokens, tid)
		}
	}
	return nil
}

func (s *Store) AddLinkedIdentity(_ context.Context, userID uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.identities[externalID]; ok {
		if owner != userID {
			return users.ErrDuplicateExternalID
		}
		return nil
	}
	s.identities[externalID] = userID
	return nil
}

func (s *Store) ListLinkedIdentities(_ context.Context, userID uuid.UUID) ([]users.LinkedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []users.LinkedIdentity
	for ext, owner := range s.identities {
		if owner == userID {
			out = append(out, users.LinkedIdentity{ExternalID: ext, UserID: owner})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *Store) GetMentorProfile(_ context.Context, userID uuid.UUID) (*users.MentorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.mentors[userID]
	if !ok {
		return nil, users.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SaveMentorProfile(_ context.Context, p *users.MentorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.mentors[p.UserID] = &cp
	return nil
}

func (s *Store) GetMenteeProfile(_ context.Context, userID uuid.UUID) (*users.MenteeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.mentees[userID]
	if !ok {
		return nil, users.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SaveMenteeProfile(_ context.Context, p *users.MenteeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.mentees[p.UserID] = &cp
	return nil
}

func (s *Store) CreateToken(_ context.Context, t *users.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *Store) GetToken(_ context.Context, kind users.TokenKind, hash string) (*users.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.Kind == kind && t.Hash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, users.ErrTokenInvalid
}

func (s *Store) MarkTokenUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.UsedAt != nil {
		return false, nil
	}
	t.UsedAt = &at
	return true, nil
}

func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tokens {
		if !now.Before(t.ExpiresAt) || t.UsedAt != nil {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Tokens returns copies of every stored token.
func (s *Store) Tokens() []users.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]users.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	return out
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Seed inserts a user with an optional profile status and returns it.
// An empty status creates no profile.
func (s *Store) Seed(externalID, email string, role users.Role, status users.ModerationStatus) *users.User {
	u := &users.User{ExternalID: externalID, Email: email, Role: role, Status: users.StatusActive}
	if err := s.CreateUser(context.Background(), u); err != nil {
		panic(fmt.Sprintf("seed user: %v", err))
	}
	switch {
	case status == "":
	case role == users.RoleMentor:
		_ = s.SaveMentorProfile(context.Background(), &users.MentorProfile{UserID: u.ID, Bio: "bio", Skills: []string{"go"}, Status: status})
	case role == users.RoleMentee:
		_ = s.SaveMenteeProfile(context.Background(), &users.MenteeProfile{UserID: u.ID, Status: status})
	}
	return u
}

// ── Transactor ───────────────────────────────────────────────────────────

// Tx runs fn directly. Set Fail to make WithinTx return an error without
// calling fn.
type Tx struct {
	Fail  error
	Calls int
}

func (t *Tx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.Calls++
	if t.Fail != nil {
		return t.Fail
	}
	return fn(ctx)
}

// ── Provider ─────────────────────────────────────────────────────────────

// Provider is an in-memory identity provider.
type Provider struct {
	mu      sync.Mutex
	Users   map[string]*idp.User
	Calls   []string
	Links   [][2]string
	Roles   map[string]string
	FailOps map[string]error
	nextID  int
}

// NewProvider creates an empty Provider.
func NewProvider() *Provider {
	return &Provider{
		Users:   make(map[string]*idp.User),
		Roles:   make(map[string]string),
		FailOps: make(map[string]error),
	}
}

// Add registers a provider user.
func (p *Provider) Add(userID, email string, verified bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Users[userID] = &idp.User{UserID: userID, Email: email, EmailVerified: verified}
}

// Fail makes op return err until cleared with Fail(op, nil).
func (p *Provider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.FailOps, op)
		return
	}
	p.FailOps[op] = err
}

// Called returns how many times op was invoked.
func (p *Provider) Called(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *Provider) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, op)
	return p.FailOps[op]
}

func (p *Provider) CreateUser(_ context.Context, req idp.CreateUserRequest) (*idp.User, error) {
	if err := p.record("create_user"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	u := &idp.User{UserID: fmt.Sprintf("auth0|u%d", p.nextID), Email: req.Email, EmailVerified: req.EmailVerified, Name: req.Name}
	p.Users[u.UserID] = u
	cp := *u
	return &cp, nil
}

func (p *Provider) GetUser(_ context.Context, userID string) (*idp.User, error) {
	if err := p.record("get_user"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.Users[userID]
	if !ok {
		return nil, &idp.ExternalServiceError{Op: "get_user", StatusCode: 404, Body: "not found"}
	}
	cp := *u
	return &cp, nil
}

func (p *Provider) UpdateUser(_ context.Context, userID string, upd idp.UserUpdate) error {
	if err := p.record("update_user"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.Users[userID]; ok && upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
	return nil
}

func (p *Provider) UpdateAppMetadata(_ context.Context, userID string, _ map[string]any) error {
	return p.record("update_app_metadata")
}

func (p *Provider) AssignRole(_ context.Context, userID, role string) error {
	if err := p.record("assign_role"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Roles[userID] = role
	return nil
}

func (p *Provider) LinkIdentity(_ context.Context, primaryID, secondaryID string) error {
	if err := p.record("link_identity"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Links = append(p.Links, [2]string{primaryID, secondaryID})
	if u, ok := p.Users[primaryID]; ok {
		provider, id := idp.SplitExternalID(secondaryID)
		u.Identities = append(u.Identities, idp.Identity{Provider: provider, UserID: idp.FlexibleID(id)})
	}
	return nil
}

func (p *Provider) DeleteUser(_ context.Context, userID string) error {
	if err := p.record("delete_user"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Users, userID)
	return nil
}

// ── Mailer ───────────────────────────────────────────────────────────────

// Mail is one captured message.
type Mail struct {
	To, Subject, Body string
}

// Mailer records messages instead of sending them.
type Mailer struct {
	mu   sync.Mutex
	Sent []Mail
	Err  error
}

func (m *Mailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, Mail{To: to, Subject: subject, Body: body})
	return nil
}

// Count returns the number of delivered messages.
func (m *Mailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// Last returns the most recent message.
func (m *Mailer) Last() Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return Mail{}
	}
	return m.Sent[len(m.Sent)-1]
}

// TokenFromBody extracts the token following marker in a captured body.
func TokenFromBody(body, marker string) string {
	i := strings.Index(body, marker)
	if i < 0 {
		return ""
	}
	rest := body[i+len(marker):]
	if j := strings.IndexAny(rest, " \n\r\t"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
