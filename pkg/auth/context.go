package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	userKey contextKey = iota
	claimsKey
	requestIDKey
)

// ContextWithUser attaches the resolved user to ctx. The gate calls this
// once per request after a token has been verified and resolved.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the user attached by the gate. It returns nil and
// false when the request is anonymous, including every request served in
// demo mode.
//
//	user, ok := auth.UserFromContext(r.Context())
//	if !ok {
//	    sserr.WriteJSON(w, http.StatusNotFound, "No authenticated user")
//	    return
//	}
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// ContextWithClaims attaches the verified token claims to ctx.
func ContextWithClaims(ctx context.Context, claims *ExternalClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims of the current request.
func ClaimsFromContext(ctx context.Context) (*ExternalClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*ExternalClaims)
	if !ok || claims == nil {
		return nil, false
	}
	return claims, true
}

// TraceIDFromContext returns the active OpenTelemetry trace ID as hex, so
// gate decisions can be correlated with traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}

// ContextWithRequestID attaches the request's correlation ID so gate log
// lines can carry it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation ID, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
