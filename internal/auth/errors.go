package auth

import (
	"errors"

	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// ErrAuthenticationFailed is the generic failure every unexpected error
// collapses into.
var ErrAuthenticationFailed = identity.ErrAuthenticationFailed

var (
	ErrNotRegistered    = errors.New("account not found")
	ErrEmailNotVerified = errors.New("email not verified")
	ErrRoleMissing      = errors.New("account has no valid role")
	ErrMentorPending    = errors.New("mentor account is pending approval")
	ErrMentorRejected   = errors.New("mentor application was rejected")
	ErrMentorBanned     = errors.New("mentor account is banned")
	ErrMenteeBanned     = errors.New("mentee account is banned")
	ErrInsufficientRole = errors.New("insufficient role")
)

// LinkingRequiredError reports that the token's email already belongs to an
// account registered with a different identity. The caller should offer to
// link the two instead of registering again.
type LinkingRequiredError struct {
	Email        string
	ExistingRole users.Role
}

func (e *LinkingRequiredError) Error() string {
	return "email is registered with another sign-in method"
}
