package auth

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// UserStore is the persistence the resolver needs. Implementations report
// a missing row with an [sserr.IsNotFound] error and a uniqueness
// violation with [sserr.CodeConflictAlreadyExists].
type UserStore interface {
	// FindByExternalID returns the user linked to oid.
	FindByExternalID(ctx context.Context, oid string) (*User, error)

	// FindByEmail matches email case-insensitively.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// LinkExternalID sets the external ID of user id when it has none, and
	// returns the updated row. A row already linked to the same oid is
	// returned unchanged. A row linked to a different oid yields
	// [sserr.CodeConflictIdentityLinked].
	LinkExternalID(ctx context.Context, id int64, oid string) (*User, error)

	// Insert creates a user. A concurrent insert of the same oid or email
	// yields [sserr.CodeConflictAlreadyExists].
	Insert(ctx context.Context, u NewUser) (*User, error)
}

// ResolverOption customises a [Resolver].
type ResolverOption func(*Resolver)

// WithResolverMetrics records resolution outcomes.
func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithResolverTracerProvider overrides the global tracer provider.
func WithResolverTracerProvider(tp trace.TracerProvider) ResolverOption {
	return func(r *Resolver) { r.tracer = tp.Tracer(tracerName) }
}

// Resolver reconciles verified external identities onto internal users.
// Lookup order is external ID, then email (linking the row), then
// creation. The store's unique indexes are the only concurrency control:
// a lost creation race is resolved by one more lookup pass.
type Resolver struct {
	store   UserStore
	tracer  trace.Tracer
	metrics *Metrics
}

// NewResolver returns a Resolver backed by store.
func NewResolver(store UserStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:  store,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the user for claims, creating it on first sight.
// Calling Resolve repeatedly with the same claims returns the same user.
func (r *Resolver) Resolve(ctx context.Context, claims *ExternalClaims) (*User, error) {
	ctx, span := r.tracer.Start(ctx, "auth.Resolve")
	defer span.End()

	if claims == nil || claims.Subject == "" {
		err := sserr.New(sserr.CodeValidationRequired, "auth: claims carry no subject")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Message)
		return nil, err
	}

	user, outcome, err := r.resolveOnce(ctx, claims)
	if err != nil && sserr.HasCode(err, sserr.CodeConflictAlreadyExists) {
		slog.DebugContext(ctx, "auth: lost identity creation race, retrying lookup",
			"subject", claims.Subject,
		)
		user, outcome, err = r.resolveOnce(ctx, claims)
	}
	if err != nil {
		r.metrics.resolution("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity resolution failed")
		return nil, err
	}

	r.metrics.resolution(outcome)
	span.SetAttributes(
		attribute.Int64("auth.user_id", user.ID),
		attribute.String("auth.resolution", outcome),
	)
	if outcome != "found" {
		slog.InfoContext(ctx, "auth: identity "+outcome,
			"user_id", user.ID,
			"subject", claims.Subject,
		)
	}
	return user, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, claims *ExternalClaims) (*User, string, error) {
	user, err := r.store.FindByExternalID(ctx, claims.Subject)
	if err == nil {
		return user, "found", nil
	}
	if !sserr.IsNotFound(err) {
		return nil, "", err
	}

	if claims.Email != "" {
		user, err = r.store.FindByEmail(ctx, claims.Email)
		switch {
		case err == nil:
			linked, err := r.store.LinkExternalID(ctx, user.ID, claims.Subject)
			if err != nil {
				return nil, "", err
			}
			return linked, "linked", nil
		case !sserr.IsNotFound(err):
			return nil, "", err
		}
	}

	var email *string
	if claims.Email != "" {
		e := claims.Email
		email = &e
	}
	user, err = r.store.Insert(ctx, NewUser{
		Name:        displayName(claims.Name, claims.Email),
		Email:       email,
		ExternalOID: claims.Subject,
		Role:        DefaultRole,
	})
	if err != nil {
		return nil, "", err
	}
	return user, "created", nil
}
