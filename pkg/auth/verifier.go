package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/teamskills-gateway/pkg/auth"

// maxTokenSize bounds the bearer token length accepted for parsing.
const maxTokenSize = 8192

// KeyProvider resolves a key ID to an RSA verification key. [KeyCache] is
// the production implementation.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// VerifierConfig configures a [Verifier].
type VerifierConfig struct {
	// ClientID is the application's registered client ID. A token is
	// accepted when its audience contains ClientID or "api://"+ClientID.
	ClientID string

	// ClockSkew is the leeway applied to exp, nbf and iat.
	ClockSkew time.Duration

	// Keys resolves signing keys. Required.
	Keys KeyProvider

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Metrics *Metrics
}

// Verifier checks RS256 bearer tokens and extracts their claims. It is
// safe for concurrent use.
type Verifier struct {
	audiences []string
	keys      KeyProvider
	parser    *jwt.Parser
	tracer    trace.Tracer
	metrics   *Metrics
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.ClientID == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: verifier requires a client ID")
	}
	if cfg.Keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: verifier requires a key provider")
	}
	if cfg.ClockSkew < 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: clock skew must be non-negative")
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Verifier{
		audiences: Audiences(cfg.ClientID),
		keys:      cfg.Keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuedAt(),
			// Tokens without exp are rejected; jwt/v5 would treat them as never expiring.
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.ClockSkew),
		),
		tracer:  tp.Tracer(tracerName),
		metrics: cfg.Metrics,
	}, nil
}

// Audiences returns the two audience forms accepted for clientID.
func Audiences(clientID string) []string {
	return []string{clientID, "api://" + clientID}
}

// Verify checks token's signature, algorithm, audience and validity window
// and returns its claims. Every failure is an *sserr.Error with
// [sserr.CodeAuthenticationInvalid] whose cause explains the rejection;
// callers must not show the cause to clients.
//
// Verification proceeds as follows:
//  1. Rejects tokens longer than 8 KiB before parsing
//  2. Requires alg RS256 and a kid header, and fetches the key from the
//     [KeyProvider]
//  3. Checks the signature, exp, nbf and iat with the configured leeway
//  4. Requires one of [Audiences] in aud
//  5. Maps oid (or sub), email, preferred_username, upn, name and tid into
//     [ExternalClaims]
//
// Example:
//
//	v, err := auth.NewVerifier(auth.VerifierConfig{ClientID: clientID, Keys: keys})
//	if err != nil {
//		return err
//	}
//	claims, err := v.Verify(ctx, token)
func (v *Verifier) Verify(ctx context.Context, token string) (*ExternalClaims, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verify")
	defer span.End()

	claims, err := v.verify(ctx, token)
	v.metrics.verification(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token rejected")
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token verification failed")
	}
	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*ExternalClaims, error) {
	if token == "" {
		return nil, errors.New("auth: token must not be empty")
	}
	if len(token) > maxTokenSize {
		return nil, fmt.Errorf("auth: token exceeds %d bytes", maxTokenSize)
	}

	mc := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	aud, err := mc.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("auth: unreadable audience: %w", err)
	}
	if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.audiences, a) }) {
		return nil, fmt.Errorf("auth: audience %v not accepted", []string(aud))
	}

	claims := claimsFromMap(mc)
	if claims.Subject == "" {
		return nil, errors.New("auth: token has neither oid nor sub")
	}
	return claims, nil
}
