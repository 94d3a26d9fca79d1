package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// Client-facing messages written by the gate.
const (
	MsgAuthorizationRequired  = "Authorization header required"
	MsgInvalidToken           = "Invalid or expired token"
	MsgAuthenticationRequired = "Authentication required"
	MsgAdminRequired          = "Admin access required"
	MsgInvalidUserID          = "Invalid user identifier"
	MsgOwnershipRequired      = "You can only modify your own data"
)

// HeaderAuthorization is the header (and gRPC metadata key) carrying the
// bearer token.
const HeaderAuthorization = "authorization"

const bearerPrefix = "Bearer "

// maxOwnerBodySize bounds how much of a request body the JSON owner
// extractor buffers.
const maxOwnerBodySize = 1 << 20

// TokenVerifier turns a bearer token into verified claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*ExternalClaims, error)
}

// IdentityResolver maps verified claims to an internal user.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims *ExternalClaims) (*User, error)
}

// FailureMode selects what the authentication pipeline does when a request
// cannot be authenticated.
type FailureMode int

const (
	// Reject answers 401 (or codes.Unauthenticated).
	Reject FailureMode = iota

	// Ignore continues anonymously.
	Ignore
)

// OwnerExtractor returns the raw owner user ID a request targets, or ""
// when the request does not carry one.
type OwnerExtractor func(r *http.Request) string

// Gate enforces authentication and authorization on HTTP routes. Every
// check is a pass-through when the policy is not configured.
type Gate struct {
	policy   Policy
	verifier TokenVerifier
	resolver IdentityResolver
	metrics  *Metrics
}

// NewGate returns a Gate. verifier and resolver may be nil in demo mode.
func NewGate(policy Policy, verifier TokenVerifier, resolver IdentityResolver, metrics *Metrics) *Gate {
	return &Gate{
		policy:   policy,
		verifier: verifier,
		resolver: resolver,
		metrics:  metrics,
	}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Authenticate verifies the Authorization header value, resolves the
// identity and returns ctx carrying the user and claims.
//
// A missing or malformed header yields [sserr.CodeAuthentication]; any
// verification or resolution failure yields
// [sserr.CodeAuthenticationInvalid]. Both carry the client-facing message
// and wrap the cause.
func (g *Gate) Authenticate(ctx context.Context, header string) (context.Context, error) {
	token := ExtractBearerToken(header)
	if token == "" {
		return ctx, sserr.New(sserr.CodeAuthentication, MsgAuthorizationRequired)
	}
	if g.verifier == nil || g.resolver == nil {
		return ctx, sserr.New(sserr.CodeInternalConfiguration, "auth: gate has no verifier or resolver")
	}

	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return ctx, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, MsgInvalidToken)
	}
	user, err := g.resolver.Resolve(ctx, claims)
	if err != nil {
		return ctx, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, MsgInvalidToken)
	}

	ctx = ContextWithUser(ctx, user)
	ctx = ContextWithClaims(ctx, claims)
	return ctx, nil
}

// RequireAuth rejects requests that do not carry a valid bearer token.
//
// The middleware performs the following steps:
//  1. Passes the request through unchanged in demo mode
//  2. Extracts the bearer token from the Authorization header, answering
//     401 "Authorization header required" when it is missing or malformed
//  3. Verifies the token and resolves the user, answering 401
//     "Invalid or expired token" on any failure
//  4. Stores the [User] and [ExternalClaims] in the request context
//
// Example:
//
//	r := chi.NewRouter()
//	r.With(gate.RequireAuth).Get("/api/auth/me", handleMe)
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return g.Middleware(Reject)(next)
}

// OptionalAuth attaches the user when a valid token is present and never
// rejects.
func (g *Gate) OptionalAuth(next http.Handler) http.Handler {
	return g.Middleware(Ignore)(next)
}

// Middleware is the authentication pipeline shared by RequireAuth and
// OptionalAuth.
func (g *Gate) Middleware(mode FailureMode) func(http.Handler) http.Handler {
	check := "authenticate"
	if mode == Ignore {
		check = "optional"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.policy.Configured() {
				g.metrics.decision(check, "bypass")
				next.ServeHTTP(w, r)
				return
			}

			ctx, err := g.Authenticate(r.Context(), r.Header.Get(HeaderAuthorization))
			if err == nil {
				g.metrics.decision(check, "allow")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if mode == Ignore {
				if sserr.GetCode(err) != sserr.CodeAuthentication {
					slog.WarnContext(r.Context(), "auth: optional authentication failed",
						append(logAttrs(r), "error", err)...)
				}
				g.metrics.decision(check, "anonymous")
				next.ServeHTTP(w, r)
				return
			}

			g.metrics.decision(check, "deny")
			if sserr.GetCode(err) == sserr.CodeAuthentication {
				slog.InfoContext(r.Context(), "auth: request without bearer token rejected", logAttrs(r)...)
			} else {
				slog.ErrorContext(r.Context(), "auth: authentication failed",
					append(logAttrs(r), "error", err)...)
			}
			sserr.WriteHTTP(w, err)
		})
	}
}

// RequireAdmin admits only administrators. It must run after RequireAuth.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.policy.Configured() {
			g.metrics.decision("admin", "bypass")
			next.ServeHTTP(w, r)
			return
		}
		user, ok := UserFromContext(r.Context())
		if !ok {
			g.metrics.decision("admin", "deny")
			sserr.WriteJSON(w, http.StatusUnauthorized, MsgAuthenticationRequired)
			return
		}
		if !user.IsAdmin {
			g.metrics.decision("admin", "deny")
			slog.WarnContext(r.Context(), "auth: admin access denied",
				append(logAttrs(r), "user_id", user.ID)...)
			sserr.WriteJSON(w, http.StatusForbidden, MsgAdminRequired)
			return
		}
		g.metrics.decision("admin", "allow")
		next.ServeHTTP(w, r)
	})
}

// RequireOwnership admits administrators and users whose ID equals the
// owner ID returned by extract. It must run after RequireAuth.
//
// A non-admin whose target ID is empty or not a base-10 integer gets 400
// "Invalid user identifier"; a mismatch gets 403.
//
// Example:
//
//	r.With(gate.RequireAuth, gate.RequireOwnership(auth.OwnerFromJSONBody("user_id"))).
//		Put("/api/auth/profile", handleUpdateProfile)
func (g *Gate) RequireOwnership(extract OwnerExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.policy.Configured() {
				g.metrics.decision("ownership", "bypass")
				next.ServeHTTP(w, r)
				return
			}
			user, ok := UserFromContext(r.Context())
			if !ok {
				g.metrics.decision("ownership", "deny")
				sserr.WriteJSON(w, http.StatusUnauthorized, MsgAuthenticationRequired)
				return
			}
			if user.IsAdmin {
				g.metrics.decision("ownership", "allow")
				next.ServeHTTP(w, r)
				return
			}

			ownerID, err := ParseUserID(extract(r))
			if err != nil {
				g.metrics.decision("ownership", "deny")
				sserr.WriteHTTP(w, err)
				return
			}
			if ownerID != user.ID {
				g.metrics.decision("ownership", "deny")
				slog.WarnContext(r.Context(), "auth: ownership check failed",
					append(logAttrs(r), "user_id", user.ID, "owner_id", ownerID)...)
				sserr.WriteJSON(w, http.StatusForbidden, MsgOwnershipRequired)
				return
			}
			g.metrics.decision("ownership", "allow")
			next.ServeHTTP(w, r)
		})
	}
}

// ParseUserID parses a base-10 user ID. Anything else, including an empty
// string, is a [sserr.CodeValidationFormat] error.
func ParseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, sserr.Wrap(err, sserr.CodeValidationFormat, MsgInvalidUserID)
	}
	return id, nil
}

// OwnerFromURLParam reads a chi route parameter.
func OwnerFromURLParam(name string) OwnerExtractor {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// OwnerFromQuery reads a query string parameter.
func OwnerFromQuery(name string) OwnerExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// OwnerFromJSONBody reads a top-level field of a JSON object body. The
// field may be a number or a string. The body is restored so the handler
// can read it again.
func OwnerFromJSONBody(field string) OwnerExtractor {
	return func(r *http.Request) string {
		if r.Body == nil {
			return ""
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxOwnerBodySize))
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(buf))
		if err != nil {
			return ""
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(buf, &obj); err != nil {
			return ""
		}
		raw, ok := obj[field]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
		return ""
	}
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively. It returns "" for anything
// else.
func ExtractBearerToken(header string) string {
	if len(header) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

func logAttrs(r *http.Request) []any {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if traceID, ok := TraceIDFromContext(r.Context()); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	return attrs
}
