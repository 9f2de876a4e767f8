package users

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/email"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/securetoken"
	"github.com/jmerrifield20/linkdeal/pkg/validator"
)

// Provider is the subset of the identity provider management API used here.
type Provider interface {
	CreateUser(ctx context.Context, req idp.CreateUserRequest) (*idp.User, error)
	GetUser(ctx context.Context, userID string) (*idp.User, error)
	UpdateUser(ctx context.Context, userID string, upd idp.UserUpdate) error
	UpdateAppMetadata(ctx context.Context, userID string, md map[string]any) error
	AssignRole(ctx context.Context, userID, role string) error
	DeleteUser(ctx context.Context, userID string) error
}

// Service implements identity mapping, registration, profiles, moderation
// and the email token flows.
type Service struct {
	store       Store
	tx          database.Transactor
	provider    Provider
	mailer      email.Sender
	frontendURL string
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a new Service.
func NewService(store Store, tx database.Transactor, provider Provider, mailer email.Sender, frontendURL string, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		tx:          tx,
		provider:    provider,
		mailer:      mailer,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ── Identity mapping ─────────────────────────────────────────────────────

// FindByExternalID maps a provider subject to a local user. It is a pure
// lookup: unknown subjects return ErrNotFound and are never provisioned.
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return s.store.GetUserByExternalID(ctx, externalID)
}

// FindByEmail looks a user up by email.
func (s *Service) FindByEmail(ctx context.Context, emailAddr string) (*User, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return nil, ErrNotFound
	}
	return s.store.GetUserByEmail(ctx, emailAddr)
}

// GetByID retrieves a user by ID.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.store.GetUserByID(ctx, id)
}

// CheckEmail reports whether the email is already registered.
func (s *Service) CheckEmail(ctx context.Context, emailAddr string) (bool, error) {
	emailAddr = normalizeEmail(emailAddr)
	if err := validator.Var(emailAddr, "required,email"); err != nil {
		return false, &ValidationError{Fields: map[string]string{"email": "must be a valid email address"}}
	}
	_, err := s.store.GetUserByEmail(ctx, emailAddr)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// LinkedIdentities returns the extra provider identities attached to a user.
func (s *Service) LinkedIdentities(ctx context.Context, userID uuid.UUID) ([]LinkedIdentity, error) {
	return s.store.ListLinkedIdentities(ctx, userID)
}

// ModerationStatus returns the status of the user's role profile, or "" for
// roles without a profile. A mentor or mentee without a profile returns
// ErrProfileNotFound.
func (s *Service) ModerationStatus(ctx context.Context, u *User) (ModerationStatus, error) {
	switch u.Role {
	case RoleMentor:
		p, err := s.store.GetMentorProfile(ctx, u.ID)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	case RoleMentee:
		p, err := s.store.GetMenteeProfile(ctx, u.ID)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	}
	return "", nil
}

// Profile returns the role profile of u (*MentorProfile or *MenteeProfile),
// or nil for admins.
func (s *Service) Profile(ctx context.Context, u *User) (any, error) {
	switch u.Role {
	case RoleMentor:
		return s.store.GetMentorProfile(ctx, u.ID)
	case RoleMentee:
		return s.store.GetMenteeProfile(ctx, u.ID)
	}
	return nil, nil
}

// ── Registration ─────────────────────────────────────────────────────────

// PasswordRegistration is the input of RegisterPassword.
type PasswordRegistration struct {
	Email    string         `json:"email" validate:"required,email,max=254"`
	Password string         `json:"password" validate:"required,min=8,max=128"`
	Profile  map[string]any `json:"profile"`
}

// RegisterPassword creates an email/password account at the provider and the
// matching local user and profile. The provider user is deleted again when
// the local write fails.
func (s *Service) RegisterPassword(ctx context.Context, role Role, in PasswordRegistration) (*User, error) {
	if !role.Registrable() {
		return nil, ErrInvalidRole
	}
	in.Email = normalizeEmail(in.Email)
	if err := validator.Struct(in); err != nil {
		return nil, asValidationError(err)
	}
	profile, err := DecodeProfileInput(role, in.Profile)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByEmail(ctx, in.Email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	pu, err := s.provider.CreateUser(ctx, idp.CreateUserRequest{
		Email:       in.Email,
		Password:    in.Password,
		Name:        profile.FullName(),
		AppMetadata: map[string]any{"role": string(role)},
	})
	if err != nil {
		if idp.StatusOf(err) == http.StatusConflict {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create provider user: %w", err)
	}

	u := &User{
		ExternalID: pu.UserID,
		Email:      in.Email,
		Role:       role,
		Status:     StatusActive,
		FullName:   profile.FullName(),
	}
	if err := s.finishRegistration(ctx, u, profile); err != nil {
		return nil, s.compensate(ctx, pu.UserID, err)
	}

	s.logger.Info("user registered",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(role)),
		zap.String("connection", string(identity.ConnectionPassword)),
	)
	s.sendWelcome(ctx, u)
	if err := s.SendEmailVerification(ctx, u); err != nil {
		s.logger.Warn("failed to send verification email", zap.String("user_id", u.ID.String()), zap.Error(err))
	}
	return u, nil
}

// RegisterSocial registers an identity the caller already authenticated
// with at the provider (a social connection, typically).
func (s *Service) RegisterSocial(ctx context.Context, claims *identity.Claims, role Role, payload map[string]any) (*User, error) {
	if !role.Registrable() {
		return nil, ErrInvalidRole
	}
	if claims == nil || claims.Subject == "" {
		return nil, ErrNotFound
	}
	emailAddr := normalizeEmail(claims.Email)
	if emailAddr == "" {
		return nil, &ValidationError{Fields: map[string]string{"email": "token carries no email address"}}
	}

	if _, err := s.FindByExternalID(ctx, claims.Subject); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing, err := s.store.GetUserByEmail(ctx, emailAddr); err == nil && existing.ExternalID != claims.Subject {
		return nil, ErrRequiresLinking
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	profile, err := DecodeProfileInput(role, payload)
	if err != nil {
		return nil, err
	}
	if err := s.provider.UpdateAppMetadata(ctx, claims.Subject, map[string]any{"role": string(role)}); err != nil {
		return nil, fmt.Errorf("set provider role metadata: %w", err)
	}
	if err := s.provider.AssignRole(ctx, claims.Subject, string(role)); err != nil {
		return nil, fmt.Errorf("assign provider role: %w", err)
	}

	name := profile.FullName()
	if name == "" {
		name = claims.Name
	}
	u := &User{
		ExternalID: claims.Subject,
		Email:      emailAddr,
		Role:       role,
		Status:     StatusActive,
		FullName:   name,
	}
	if err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateUser(ctx, u); err != nil {
			return err
		}
		return s.saveNewProfile(ctx, u.ID, profile)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(role)),
		zap.String("connection", string(claims.Connection)),
	)
	s.sendWelcome(ctx, u)
	return u, nil
}

func (s *Service) finishRegistration(ctx context.Context, u *User, profile *ProfileInput) error {
	if err := s.provider.AssignRole(ctx, u.ExternalID, string(u.Role)); err != nil {
		return fmt.Errorf("assign provider role: %w", err)
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateUser(ctx, u); err != nil {
			return err
		}
		return s.saveNewProfile(ctx, u.ID, profile)
	})
}

// compensate deletes a provider user created earlier in a failed operation.
func (s *Service) compensate(ctx context.Context, providerUserID string, cause error) error {
	if err := s.provider.DeleteUser(ctx, providerUserID); err != nil {
		s.logger.Error("failed to delete provider user after local failure",
			zap.String("external_id", providerUserID),
			zap.Error(err),
		)
		return multierr.Append(cause, fmt.Errorf("compensating delete: %w", err))
	}
	return cause
}

// ── Profiles and roles ───────────────────────────────────────────────────

func (s *Service) saveNewProfile(ctx context.Context, userID uuid.UUID, in *ProfileInput) error {
	switch in.Role {
	case RoleMentor:
		p := &MentorProfile{UserID: userID, Status: ModerationPending}
		applyMentor(p, in.Mentor)
		return s.store.SaveMentorProfile(ctx, p)
	case RoleMentee:
		p := &MenteeProfile{UserID: userID, Status: ModerationActive}
		applyMentee(p, in.Mentee)
		return s.store.SaveMenteeProfile(ctx, p)
	}
	return ErrInvalidRole
}

// UpsertProfile creates the role profile or updates its fields. An existing
// moderation status is never changed here.
func (s *Service) UpsertProfile(ctx context.Context, userID uuid.UUID, in *ProfileInput) error {
	switch in.Role {
	case RoleMentor:
		p, err := s.store.GetMentorProfile(ctx, userID)
		if errors.Is(err, ErrProfileNotFound) {
			p = &MentorProfile{UserID: userID, Status: ModerationPending}
		} else if err != nil {
			return err
		}
		applyMentor(p, in.Mentor)
		return s.store.SaveMentorProfile(ctx, p)
	case RoleMentee:
		p, err := s.store.GetMenteeProfile(ctx, userID)
		if errors.Is(err, ErrProfileNotFound) {
			p = &MenteeProfile{UserID: userID, Status: ModerationActive}
		} else if err != nil {
			return err
		}
		applyMentee(p, in.Mentee)
		return s.store.SaveMenteeProfile(ctx, p)
	}
	return ErrInvalidRole
}

// AttachIdentity records externalID as an additional identity of userID.
func (s *Service) AttachIdentity(ctx context.Context, userID uuid.UUID, externalID string) error {
	if existing, err := s.store.GetUserByExternalID(ctx, externalID); err == nil {
		if existing.ID != userID {
			return ErrDuplicateExternalID
		}
		if existing.ExternalID == externalID {
			return nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.store.AddLinkedIdentity(ctx, userID, externalID)
}

// SyncRole assigns role to a user that has none yet. Users that already have
// a role are returned unchanged; role changes go through ChangeRole.
func (s *Service) SyncRole(ctx context.Context, u *User, role Role) (*User, error) {
	if u.HasRole() {
		return u, nil
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	changed, err := s.store.SetRoleIfEmpty(ctx, u.ID, role)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s.store.GetUserByID(ctx, u.ID)
	}
	s.logger.Info("role synced from token", zap.String("user_id", u.ID.String()), zap.String("role", string(role)))
	cp := *u
	cp.Role = role
	return &cp, nil
}

// Activate flips an invited user to active. Active users are returned unchanged.
func (s *Service) Activate(ctx context.Context, u *User) (*User, error) {
	if u.Status != StatusInvited {
		return u, nil
	}
	if err := s.store.UpdateStatus(ctx, u.ID, StatusActive); err != nil {
		return nil, err
	}
	s.logger.Info("invited user activated", zap.String("user_id", u.ID.String()))
	cp := *u
	cp.Status = StatusActive
	return &cp, nil
}

// ── Email tokens ─────────────────────────────────────────────────────────

// SendEmailVerification issues a 24 hour verification link for u.
func (s *Service) SendEmailVerification(ctx context.Context, u *User) error {
	raw, err := s.issueToken(ctx, u.ID, TokenEmailVerification, EmailVerificationTTL)
	if err != nil {
		return err
	}
	msg := email.VerifyEmail(s.link("/auth/verify-email", raw), EmailVerificationTTL)
	return s.mailer.Send(ctx, u.Email, msg.Subject, msg.Body)
}

// VerifyEmail consumes a verification token and marks the email verified at
// the provider. The token stays usable when the provider call fails.
func (s *Service) VerifyEmail(ctx context.Context, raw string) (*User, error) {
	t, u, err := s.loadToken(ctx, TokenEmailVerification, raw)
	if err != nil {
		return nil, err
	}
	verified := true
	if err := s.provider.UpdateUser(ctx, u.ExternalID, idp.UserUpdate{EmailVerified: &verified}); err != nil {
		return nil, fmt.Errorf("mark provider email verified: %w", err)
	}
	if err := s.consumeToken(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("email verified", zap.String("user_id", u.ID.String()))
	return u, nil
}

// ForgotPassword emails a 1 hour reset link when the email belongs to a
// password account. It reports success regardless so callers cannot probe
// for registered emails.
func (s *Service) ForgotPassword(ctx context.Context, emailAddr string) {
	u, err := s.FindByEmail(ctx, emailAddr)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("forgot password lookup failed", zap.Error(err))
		}
		return
	}
	if identity.ConnectionFromSubject(u.ExternalID) != identity.ConnectionPassword {
		s.logger.Info("password reset requested for social-only account", zap.String("user_id", u.ID.String()))
		return
	}
	raw, err := s.issueToken(ctx, u.ID, TokenPasswordReset, PasswordResetTTL)
	if err != nil {
		s.logger.Error("failed to issue reset token", zap.String("user_id", u.ID.String()), zap.Error(err))
		return
	}
	msg := email.PasswordReset(s.link("/auth/reset-password", raw), PasswordResetTTL)
	if err := s.mailer.Send(ctx, u.Email, msg.Subject, msg.Body); err != nil {
		s.logger.Warn("failed to send reset email", zap.String("user_id", u.ID.String()), zap.Error(err))
	}
}

// ResetPassword consumes a reset token and sets the new password at the
// provider. Holding the link proves mailbox ownership, so the email is
// marked verified as well.
func (s *Service) ResetPassword(ctx context.Context, raw, password string) (*User, error) {
	if err := validator.Var(password, "required,min=8,max=128"); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"password": "must have between 8 and 128 characters"}}
	}
	t, u, err := s.loadToken(ctx, TokenPasswordReset, raw)
	if err != nil {
		return nil, err
	}
	verified := true
	if err := s.provider.UpdateUser(ctx, u.ExternalID, idp.UserUpdate{Password: password, EmailVerified: &verified}); err != nil {
		return nil, fmt.Errorf("set provider password: %w", err)
	}
	if err := s.consumeToken(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("password reset", zap.String("user_id", u.ID.String()))
	return u, nil
}

// PurgeExpiredTokens deletes used and expired email tokens.
func (s *Service) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.store.DeleteExpiredTokens(ctx, now)
}

func (s *Service) issueToken(ctx context.Context, userID uuid.UUID, kind TokenKind, ttl time.Duration) (string, error) {
	raw, hash, err := securetoken.New()
	if err != nil {
		return "", err
	}
	t := &Token{UserID: userID, Kind: kind, Hash: hash, ExpiresAt: s.now().UTC().Add(ttl)}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *Service) loadToken(ctx context.Context, kind TokenKind, raw string) (*Token, *User, error) {
	if raw == "" {
		return nil, nil, ErrTokenInvalid
	}
	t, err := s.store.GetToken(ctx, kind, securetoken.Hash(raw))
	if err != nil {
		return nil, nil, err
	}
	if err := t.check(s.now()); err != nil {
		return nil, nil, err
	}
	u, err := s.store.GetUserByID(ctx, t.UserID)
	if err != nil {
		return nil, nil, err
	}
	return t, u, nil
}

func (s *Service) consumeToken(ctx context.Context, t *Token) error {
	ok, err := s.store.MarkTokenUsed(ctx, t.ID, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenInvalid
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────

func (s *Service) link(path, token string) string {
	return s.frontendURL + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) sendWelcome(ctx context.Context, u *User) {
	msg := email.Welcome(u.FullName, string(u.Role))
	if err := s.mailer.Send(ctx, u.Email, msg.Subject, msg.Body); err != nil {
		s.logger.Warn("failed to send welcome email", zap.String("user_id", u.ID.String()), zap.Error(err))
	}
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func asValidationError(err error) error {
	var fe validator.FieldErrors
	if errors.As(err, &fe) {
		return &ValidationError{Fields: fe}
	}
	return err
}
