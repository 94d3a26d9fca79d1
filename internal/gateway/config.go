// Package gateway assembles the Team Skills identity gateway: it loads the
// configuration, builds the auth components once, and runs them under a
// lifecycle.Service.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/postgres"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/redis"
)

// DefaultRedirectURI is served by /api/auth/config when FRONTEND_URL is not
// set.
const DefaultRedirectURI = "http://localhost:3000"

const environmentProduction = "production"

// Config is the complete gateway configuration. The nested store configs
// carry their own POSTGRES_* and REDIS_* variables.
type Config struct {
	ClientID string `json:"client_id" yaml:"client_id" env:"AZURE_AD_CLIENT_ID"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" env:"AZURE_AD_TENANT_ID"`

	JWKSURL               string        `json:"jwks_url" yaml:"jwks_url" env:"AUTH_JWKS_URL" envDefault:"https://login.microsoftonline.com/common/discovery/v2.0/keys"`
	JWKSCacheTTL          time.Duration `json:"jwks_cache_ttl" yaml:"jwks_cache_ttl" env:"AUTH_JWKS_CACHE_TTL" envDefault:"24h"`
	JWKSRequestsPerMinute int           `json:"jwks_requests_per_minute" yaml:"jwks_requests_per_minute" env:"AUTH_JWKS_REQUESTS_PER_MINUTE" envDefault:"10"`
	ClockSkew             time.Duration `json:"clock_skew" yaml:"clock_skew" env:"AUTH_CLOCK_SKEW"`

	FrontendURL string `json:"frontend_url" yaml:"frontend_url" env:"FRONTEND_URL"`
	NodeEnv     string `json:"node_env" yaml:"node_env" env:"NODE_ENV"`
	AppEnv      string `json:"app_env" yaml:"app_env" env:"APP_ENV"`

	Port            int           `json:"port" yaml:"port" env:"PORT" envDefault:"3001"`
	ListenAddr      string        `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
	RateLimitMax    int           `json:"rate_limit_max" yaml:"rate_limit_max" env:"RATE_LIMIT_MAX" envDefault:"100"`
	RateLimitWindow time.Duration `json:"rate_limit_window" yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	TrustProxy      bool          `json:"trust_proxy" yaml:"trust_proxy" env:"TRUST_PROXY" envDefault:"true"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Postgres postgres.Config `json:"postgres" yaml:"postgres"`
	Redis    redis.Config    `json:"redis" yaml:"redis"`
}

// Environment returns APP_ENV, falling back to NODE_ENV, lowercased.
func (c *Config) Environment() string {
	env := c.AppEnv
	if env == "" {
		env = c.NodeEnv
	}
	return strings.ToLower(strings.TrimSpace(env))
}

// Production reports whether the gateway runs in the production
// environment.
func (c *Config) Production() bool {
	return c.Environment() == environmentProduction
}

// Addr is the HTTP listen address: ListenAddr when set, otherwise all
// interfaces on Port.
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// PartialAuth reports whether exactly one of the client ID and tenant ID
// is set. The gateway then runs in demo mode, which is rarely intended.
func (c *Config) PartialAuth() bool {
	return (c.ClientID == "") != (c.TenantID == "")
}

// Policy returns the authentication policy the configuration describes.
func (c *Config) Policy() auth.Policy {
	return auth.NewPolicy(c.ClientID, c.TenantID)
}

// RedirectURI is the sign-in redirect served to front ends.
func (c *Config) RedirectURI() string {
	if c.FrontendURL != "" {
		return c.FrontendURL
	}
	return DefaultRedirectURI
}

// Validate checks the settings the gateway cannot start without. The
// store configs validate themselves when their clients are created.
func (c *Config) Validate() error {
	if c.ListenAddr == "" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("gateway: PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("gateway: LISTEN_ADDR %q is invalid: %w", c.ListenAddr, err)
		}
	}
	switch {
	case c.JWKSURL == "":
		return errors.New("gateway: AUTH_JWKS_URL must not be empty")
	case c.JWKSCacheTTL <= 0:
		return fmt.Errorf("gateway: AUTH_JWKS_CACHE_TTL must be positive, got %s", c.JWKSCacheTTL)
	case c.JWKSRequestsPerMinute <= 0:
		return fmt.Errorf("gateway: AUTH_JWKS_REQUESTS_PER_MINUTE must be positive, got %d", c.JWKSRequestsPerMinute)
	case c.ClockSkew < 0:
		return fmt.Errorf("gateway: AUTH_CLOCK_SKEW must not be negative, got %s", c.ClockSkew)
	case c.RateLimitMax < 0:
		return fmt.Errorf("gateway: RATE_LIMIT_MAX must not be negative, got %d", c.RateLimitMax)
	case c.RateLimitMax > 0 && c.RateLimitWindow <= 0:
		return fmt.Errorf("gateway: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("gateway: SHUTDOWN_TIMEOUT must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}
