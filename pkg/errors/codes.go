package errors

// Code is a stable, machine-readable error identifier of the form
// CATEGORY_NNN. The category prefix selects the HTTP status; the number
// distinguishes conditions inside a category.
type Code string

// Error code categories:
//
//	VAL_xxx     - 400 Bad Request
//	AUTH_xxx    - 401 Unauthorized
//	AUTHZ_xxx   - 403 Forbidden
//	NF_xxx      - 404 Not Found
//	CONF_xxx    - 409 Conflict
//	RATE_xxx    - 429 Too Many Requests
//	INT_xxx     - 500 Internal Server Error
//	UNAVAIL_xxx - 503 Service Unavailable
//	TIMEOUT_xxx - 504 Gateway Timeout
const (
	// CodeValidation is a general input validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired means a required value is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat means a value could not be parsed, for example
	// a user identifier that is not a base-10 integer.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange means a value is outside its accepted range.
	CodeValidationRange Code = "VAL_004"

	// CodeAuthentication is used when no usable credential was presented
	// (absent or non-Bearer Authorization header).
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired means the token's exp claim has passed.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid covers every other verification failure:
	// bad signature, unknown key, wrong audience, wrong algorithm, or a
	// token the identity resolver could not map to a user.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthorization is a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied means the caller does not own the resource.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeAuthorizationAdminRequired means the route needs is_admin.
	CodeAuthorizationAdminRequired Code = "AUTHZ_003"

	// CodeNotFound is a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser means no user row matched the lookup.
	CodeNotFoundUser Code = "NF_002"

	// CodeNotFoundKey means a signing key id is absent from the JWKS.
	CodeNotFoundKey Code = "NF_003"

	// CodeConflict is a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists means a unique index rejected a write.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeConflictIdentityLinked means a user row found by email is
	// already linked to a different external identity.
	CodeConflictIdentityLinked Code = "CONF_003"

	// CodeRateLimited means the caller exhausted its request budget.
	CodeRateLimited Code = "RATE_001"

	// CodeRateLimitedKeyFetch means the JWKS refetch budget is exhausted.
	CodeRateLimitedKeyFetch Code = "RATE_002"

	// CodeInternal is a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase means a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration means the process is misconfigured.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable is a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency means a dependency could not be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout is a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase means a database call ran past its deadline.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency means a call to a dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a plain string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_003"). A code without an underscore is its own category.
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
