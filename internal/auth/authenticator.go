// Package auth authenticates API requests: it verifies the bearer token,
// maps it to a local user and enforces the account state rules.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// Directory is the part of the users service the authenticator depends on.
type Directory interface {
	FindByExternalID(ctx context.Context, externalID string) (*users.User, error)
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	ModerationStatus(ctx context.Context, u *users.User) (users.ModerationStatus, error)
	SyncRole(ctx context.Context, u *users.User, role users.Role) (*users.User, error)
	Activate(ctx context.Context, u *users.User) (*users.User, error)
}

// Principal is an authenticated request's identity.
type Principal struct {
	User   *users.User
	Claims *identity.Claims
}

// Authenticator runs the per-request authentication pipeline.
type Authenticator struct {
	verifier identity.HeaderVerifier
	users    Directory
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(verifier identity.HeaderVerifier, dir Directory, logger *zap.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, users: dir, logger: logger}
}

// Authenticate resolves an Authorization header to a Principal. Expected
// refusals are returned as the package's sentinel errors or a
// *LinkingRequiredError; anything else becomes ErrAuthenticationFailed.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (p *Principal, err error) {
	defer func() { recordOutcome(err) }()

	claims, err := a.verifier.VerifyHeader(ctx, header)
	if err != nil {
		return nil, err
	}

	u, err := a.users.FindByExternalID(ctx, claims.Subject)
	if errors.Is(err, users.ErrNotFound) {
		return nil, a.unmapped(ctx, claims)
	}
	if err != nil {
		return nil, a.collapse("map identity", claims, err)
	}

	if claims.PasswordBased() && !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if !u.HasRole() {
		role := users.Role(claims.Role)
		if !role.Valid() {
			return nil, ErrRoleMissing
		}
		if u, err = a.users.SyncRole(ctx, u, role); err != nil {
			return nil, a.collapse("sync role", claims, err)
		}
	}
	if !u.Role.Valid() {
		return nil, ErrRoleMissing
	}

	if err := a.checkModeration(ctx, u); err != nil {
		if isRefusal(err) {
			return nil, err
		}
		return nil, a.collapse("moderation status", claims, err)
	}

	if u, err = a.users.Activate(ctx, u); err != nil {
		return nil, a.collapse("activate", claims, err)
	}
	return &Principal{User: u, Claims: claims}, nil
}

// unmapped decides between "register first" and "link instead".
func (a *Authenticator) unmapped(ctx context.Context, claims *identity.Claims) error {
	if claims.Email == "" {
		return ErrNotRegistered
	}
	existing, err := a.users.FindByEmail(ctx, claims.Email)
	if errors.Is(err, users.ErrNotFound) {
		return ErrNotRegistered
	}
	if err != nil {
		return a.collapse("email lookup", claims, err)
	}
	return &LinkingRequiredError{Email: existing.Email, ExistingRole: existing.Role}
}

func (a *Authenticator) checkModeration(ctx context.Context, u *users.User) error {
	status, err := a.users.ModerationStatus(ctx, u)
	if errors.Is(err, users.ErrProfileNotFound) {
		if u.Role == users.RoleMentor {
			return ErrMentorPending
		}
		return nil
	}
	if err != nil {
		return err
	}

	switch u.Role {
	case users.RoleMentor:
		switch status {
		case users.ModerationApproved:
			return nil
		case users.ModerationBanned:
			return ErrMentorBanned
		case users.ModerationRejected:
			return ErrMentorRejected
		default:
			return ErrMentorPending
		}
	case users.RoleMentee:
		if status == users.ModerationBanned {
			return ErrMenteeBanned
		}
	}
	return nil
}

func (a *Authenticator) collapse(step string, claims *identity.Claims, err error) error {
	a.logger.Error("authentication error",
		zap.String("step", step),
		zap.String("subject", claims.Subject),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s", ErrAuthenticationFailed, step)
}

func isRefusal(err error) bool {
	for _, target := range []error{ErrMentorPending, ErrMentorRejected, ErrMentorBanned, ErrMenteeBanned} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
