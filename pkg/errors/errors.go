// Package errors provides the structured error type shared by every layer of
// the Team Skills gateway. Each error carries a machine-readable [Code]
// whose category decides the HTTP status returned to clients, a message that
// is safe to show to callers, and an optional cause that is only ever logged.
//
// # Categories
//
//   - VAL: malformed input such as a non-numeric owner identifier
//   - AUTH: missing, malformed, expired or unverifiable bearer tokens
//   - AUTHZ: authenticated callers lacking the admin flag or ownership
//   - NF: unknown users
//   - CONF: uniqueness collisions while resolving identities
//   - INT: database and configuration failures
//   - UNAVAIL: dependencies that cannot be reached (JWKS endpoint, Postgres)
//   - RATE: per-client request budget exhausted
//   - TIMEOUT: operations that ran past their deadline
//
// # Usage
//
//	err := errors.Wrap(pgErr, errors.CodeInternalDatabase, "userstore: insert failed")
//	if errors.IsConflict(err) {
//	    // another request created the row first; look it up again
//	}
//
// HTTP handlers render errors with [WriteHTTP], which emits the
// {"error": "..."} body used across the gateway and never exposes the cause.
package errors
