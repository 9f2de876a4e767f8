package users

import (
	"time"

	"github.com/google/uuid"
)

// Role is a LinkDeal platform role.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleMentor     Role = "mentor"
	RoleMentee     Role = "mentee"
)

// Valid reports whether r is one of the fixed platform roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleMentor, RoleMentee:
		return true
	}
	return false
}

// IsAdmin reports whether r may use the moderation endpoints.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Registrable reports whether r can be chosen at self-registration.
func (r Role) Registrable() bool {
	return r == RoleMentor || r == RoleMentee
}

// AccountStatus is the lifecycle state of a local account.
type AccountStatus string

const (
	StatusInvited AccountStatus = "invited"
	StatusActive  AccountStatus = "active"
)

// ModerationStatus controls platform access for mentors and mentees.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
	ModerationBanned   ModerationStatus = "banned"
	ModerationActive   ModerationStatus = "active"
)

// User is a platform account. ExternalID is the provider subject the account
// was registered with; further identities live in user_identities.
type User struct {
	ID         uuid.UUID     `json:"id"`
	ExternalID string        `json:"external_id"`
	Email      string        `json:"email"`
	Role       Role          `json:"role,omitempty"`
	Status     AccountStatus `json:"status"`
	InvitedBy  *uuid.UUID    `json:"invited_by,omitempty"`
	FullName   string        `json:"full_name,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// HasRole reports whether a role has been assigned.
func (u *User) HasRole() bool { return u.Role != "" }

// MentorProfile holds mentor onboarding data and moderation state.
type MentorProfile struct {
	UserID       uuid.UUID        `json:"user_id"`
	Bio          string           `json:"bio"`
	Skills       []string         `json:"skills"`
	HourlyRate   float64          `json:"hourly_rate"`
	BankName     string           `json:"bank_name,omitempty"`
	BankAccount  string           `json:"-"`
	Status       ModerationStatus `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// MenteeProfile holds mentee onboarding data and moderation state.
type MenteeProfile struct {
	UserID       uuid.UUID        `json:"user_id"`
	Bio          string           `json:"bio,omitempty"`
	Interests    []string         `json:"interests"`
	Goals        string           `json:"goals,omitempty"`
	Status       ModerationStatus `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// LinkedIdentity attaches an additional provider subject to a user.
type LinkedIdentity struct {
	ExternalID string    `json:"external_id"`
	UserID     uuid.UUID `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListFilter narrows ListUsers.
type ListFilter struct {
	Role   Role
	Status AccountStatus
	Email  string
	Limit  int
	Offset int
}
