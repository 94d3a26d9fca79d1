package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// ExternalClaims is the identity asserted by a verified token. It lives
// only for the duration of a request and is never persisted.
type ExternalClaims struct {
	// Subject is the stable external identifier: the "oid" claim, or
	// "sub" when the token has no oid.
	Subject string

	// Email is the first non-empty of "email", "preferred_username" and
	// "upn". It may be empty.
	Email string

	// Name is the "name" claim. It may be empty.
	Name string

	// TenantID is the issuing directory ("tid"), recorded for logs only.
	TenantID string

	// Raw holds every claim of the token.
	Raw jwt.MapClaims
}

func claimsFromMap(mc jwt.MapClaims) *ExternalClaims {
	return &ExternalClaims{
		Subject:  firstString(mc, "oid", "sub"),
		Email:    firstString(mc, "email", "preferred_username", "upn"),
		Name:     firstString(mc, "name"),
		TenantID: firstString(mc, "tid"),
		Raw:      mc,
	}
}

// firstString returns the first claim among names that is a non-empty
// string.
func firstString(mc jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s, ok := mc[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
