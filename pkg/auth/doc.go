// Package auth authenticates bearer tokens issued by Microsoft Entra ID and
// authorizes requests against the gateway's internal users.
//
// Pipeline:
//
// Every protected request passes through the same stages:
//   - [Gate] extracts the bearer token from the Authorization header (or the
//     "authorization" gRPC metadata key)
//   - [Verifier] checks the RS256 signature with a key from [KeyCache], the
//     audience (the client ID or "api://" plus the client ID) and the
//     validity window
//   - [Resolver] maps the verified claims onto a [User]: by external object
//     ID first, then by email (linking the row), else by creating a new user
//   - the user and claims are attached to the request context, where
//     [Gate.RequireAdmin] and [Gate.RequireOwnership] evaluate them
//
// Demo mode:
//
// When the [Policy] is not configured (client ID or tenant ID missing) every
// gate entry point is a pass-through and no user is attached. The mode is
// decided once at startup and logged by [Policy.LogMode].
//
// Responses:
//
// Rejections carry only the generic messages in the Msg constants. The cause
// of a failure is logged with the request ID and never written to clients.
package auth
