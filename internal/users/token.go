package users

import (
	"time"

	"github.com/google/uuid"
)

// TokenKind distinguishes single-use email tokens.
type TokenKind string

const (
	TokenEmailVerification TokenKind = "email_verification"
	TokenPasswordReset     TokenKind = "password_reset"
)

const (
	// EmailVerificationTTL is the lifetime of an email verification link.
	EmailVerificationTTL = 24 * time.Hour
	// PasswordResetTTL is the lifetime of a password reset link.
	PasswordResetTTL = time.Hour
	// InviteTTL is the lifetime of the password-set link sent to invited admins.
	InviteTTL = 72 * time.Hour
)

// Token is a stored single-use token. Only the SHA-256 hash of the raw value
// is persisted.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      TokenKind
	Hash      string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// check returns ErrTokenInvalid or ErrTokenExpired when t cannot be used at now.
func (t *Token) check(now time.Time) error {
	if t.UsedAt != nil {
		return ErrTokenInvalid
	}
	if !now.Before(t.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
