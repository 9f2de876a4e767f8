package idp

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jmerrifield20/linkdeal/internal/identity"
)

// User is the subset of the provider's user document LinkDeal reads.
type User struct {
	UserID        string         `json:"user_id"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	Name          string         `json:"name,omitempty"`
	Identities    []Identity     `json:"identities,omitempty"`
	AppMetadata   map[string]any `json:"app_metadata,omitempty"`
}

// HasIdentity reports whether externalID is among u's attached identities.
func (u *User) HasIdentity(externalID string) bool {
	for _, i := range u.Identities {
		if i.ExternalID() == externalID {
			return true
		}
	}
	return false
}

// Identity is one connection attached to a provider user.
type Identity struct {
	Connection string     `json:"connection"`
	Provider   string     `json:"provider"`
	UserID     FlexibleID `json:"user_id"`
	IsSocial   bool       `json:"isSocial"`
}

// ExternalID returns the "provider|id" form of the identity.
func (i Identity) ExternalID() string {
	return i.Provider + "|" + string(i.UserID)
}

// FlexibleID accepts identity user ids encoded as JSON strings or numbers
// (some social connections use numeric ids).
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

// CreateUserRequest describes a new database-connection user.
type CreateUserRequest struct {
	Email         string
	Password      string
	Name          string
	EmailVerified bool
	AppMetadata   map[string]any
}

// UserUpdate is a partial update. Nil / empty fields are left untouched.
type UserUpdate struct {
	EmailVerified *bool
	Password      string
	Name          string
	AppMetadata   map[string]any
}

// SplitExternalID splits "provider|id" into its parts.
func SplitExternalID(externalID string) (provider, id string) {
	return identity.SplitSubject(externalID)
}
