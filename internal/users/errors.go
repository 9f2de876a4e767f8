package users

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a user lookup finds no matching record.
	ErrNotFound = errors.New("user not found")
	// ErrProfileNotFound is returned when a user has no profile for their role.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrDuplicateEmail is returned when the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateExternalID is returned when the external identity belongs to another user.
	ErrDuplicateExternalID = errors.New("external identity already registered")
	// ErrInvalidRole is returned for roles outside the fixed set or not allowed for the operation.
	ErrInvalidRole = errors.New("invalid role")
	// ErrAlreadyRegistered is returned when a social identity is already mapped.
	ErrAlreadyRegistered = errors.New("identity already registered")
	// ErrRequiresLinking is returned when the email belongs to another identity.
	ErrRequiresLinking = errors.New("email registered with another sign-in method")
	// ErrInvalidTransition is returned for moderation actions that do not apply.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the acting user may not perform the action.
	ErrForbidden = errors.New("action not permitted")
	// ErrTokenInvalid is returned for unknown or already used tokens.
	ErrTokenInvalid = errors.New("invalid or already used token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrSuperAdminExists is returned when bootstrapping a platform that already has a super admin.
	ErrSuperAdminExists = errors.New("super admin already exists")
	// ErrInvalidInput is wrapped by every ValidationError.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError carries field-level validation failures.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }
