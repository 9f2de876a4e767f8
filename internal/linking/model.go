package linking

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/linkdeal/internal/users"
)

// TTL is the lifetime of a linking verification link.
const TTL = 15 * time.Minute

// Verification pairs an existing user with a new external identity awaiting
// confirmation by email. Only the hash of the emailed token is stored.
type Verification struct {
	ID               uuid.UUID
	TokenHash        string
	ExistingUserID   uuid.UUID
	NewExternalID    string
	NewEmail         string
	PendingPayload   json.RawMessage
	Role             users.Role
	Verified         bool
	Expired          bool
	ProviderMergedAt *time.Time
	CreatedAt        time.Time
	ExpiresAt        time.Time
	VerifiedAt       *time.Time
}

// ExpiredAt reports whether v can no longer be used at now. The stored flag
// is not trusted alone; the timestamp is always compared.
func (v *Verification) ExpiredAt(now time.Time) bool {
	return v.Expired || !now.Before(v.ExpiresAt)
}

var (
	ErrConsentRequired         = errors.New("explicit consent is required to link accounts")
	ErrNothingToLink           = errors.New("no existing account to link with this email")
	ErrAlreadyLinked           = errors.New("identity is already linked")
	ErrRoleMismatch            = errors.New("role does not match the existing account")
	ErrAccountBanned           = errors.New("existing account is banned")
	ErrExistingEmailUnverified = errors.New("existing account email is not verified")
	ErrVerificationUnavailable = errors.New("could not confirm the existing account email")
	ErrEmailDelivery           = errors.New("failed to send linking email")
	ErrTokenNotFound           = errors.New("linking token not found")
	ErrAlreadyVerified         = errors.New("linking token already used")
	ErrExpired                 = errors.New("linking token expired")
	// ErrActiveExists is returned by Store.Create when an active record for
	// the same pair already exists.
	ErrActiveExists = errors.New("active linking request exists")
)
