package auth

import (
	"context"
	"log/slog"
)

// authorityBase is the identity provider's login host.
const authorityBase = "https://login.microsoftonline.com/"

// Policy decides whether authentication is enforced. It is computed once
// at startup: a gateway started without both a client ID and a tenant ID
// runs in demo mode, where every gate check passes requests through.
type Policy struct {
	ClientID string
	TenantID string
}

// NewPolicy returns the policy for the given application registration.
func NewPolicy(clientID, tenantID string) Policy {
	return Policy{ClientID: clientID, TenantID: tenantID}
}

// Configured reports whether authentication is enforced.
func (p Policy) Configured() bool {
	return p.ClientID != "" && p.TenantID != ""
}

// Authority is the sign-in authority for the configured tenant.
func (p Policy) Authority() string {
	return authorityBase + p.TenantID
}

// Scopes are the API scopes a front end requests tokens for.
func (p Policy) Scopes() []string {
	return []string{"api://" + p.ClientID + "/access_as_user"}
}

// ClientConfig is the public sign-in configuration served to front ends.
// Only Enabled and Message are set in demo mode.
type ClientConfig struct {
	Enabled     bool     `json:"enabled"`
	Message     string   `json:"message,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	TenantID    string   `json:"tenantId,omitempty"`
	Authority   string   `json:"authority,omitempty"`
	RedirectURI string   `json:"redirectUri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ClientConfig describes the policy to a front end that will redirect
// back to redirectURI.
func (p Policy) ClientConfig(redirectURI string) ClientConfig {
	if !p.Configured() {
		return ClientConfig{Enabled: false, Message: "Authentication not configured"}
	}
	return ClientConfig{
		Enabled:     true,
		ClientID:    p.ClientID,
		TenantID:    p.TenantID,
		Authority:   p.Authority(),
		RedirectURI: redirectURI,
		Scopes:      p.Scopes(),
	}
}

// LogMode writes one startup line describing the policy.
func (p Policy) LogMode(ctx context.Context) {
	if !p.Configured() {
		slog.WarnContext(ctx, "auth: client ID or tenant ID not set, running in demo mode without authentication")
		return
	}
	slog.InfoContext(ctx, "auth: authentication enforced",
		"client_id", p.ClientID,
		"tenant_id", p.TenantID,
	)
}
