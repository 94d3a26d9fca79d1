package auth

import (
	"strings"
	"time"
)

// DefaultRole is assigned to every user created from a first-time login.
const DefaultRole = "Team Member"

// UnknownUserName is the display name used when a token carries neither a
// name nor an email.
const UnknownUserName = "Unknown User"

// User is the internal user record that external identities are reconciled
// onto. Email is unique case-insensitively and ExternalOID is unique when
// set; both are enforced by the store.
type User struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Email       *string   `json:"email"`
	ExternalOID *string   `json:"-"`
	Role        string    `json:"role"`
	Team        *string   `json:"team"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewUser describes a row to insert for a first-time identity.
type NewUser struct {
	Name        string
	Email       *string
	ExternalOID string
	Role        string
	IsAdmin     bool
}

// ProfileUpdate holds the self-service fields of a user. Nil fields are
// left unchanged. Role and admin status are not self-service.
type ProfileUpdate struct {
	Name *string
	Team *string
}

// displayName picks the name for a new user: the token's name, the local
// part of its email, or UnknownUserName.
func displayName(name, email string) string {
	if name != "" {
		return name
	}
	if local, _, _ := strings.Cut(email, "@"); local != "" {
		return local
	}
	return UnknownUserName
}
