package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_Category(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want string
	}{
		{CodeValidationFormat, "VAL"},
		{CodeAuthenticationInvalid, "AUTH"},
		{CodeAuthorizationAdminRequired, "AUTHZ"},
		{CodeNotFoundUser, "NF"},
		{CodeConflictIdentityLinked, "CONF"},
		{CodeRateLimited, "RATE"},
		{CodeInternalDatabase, "INT"},
		{CodeUnavailableDependency, "UNAVAIL"},
		{CodeTimeoutDatabase, "TIMEOUT"},
		{Code("NOUNDERSCORE"), "NOUNDERSCORE"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidationFormat, http.StatusBadRequest},
		{CodeAuthentication, http.StatusUnauthorized},
		{CodeAuthenticationExpired, http.StatusUnauthorized},
		{CodeAuthorizationDenied, http.StatusForbidden},
		{CodeNotFoundUser, http.StatusNotFound},
		{CodeConflictAlreadyExists, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternalDatabase, http.StatusInternalServerError},
		{CodeUnavailableDependency, http.StatusServiceUnavailable},
		{CodeTimeoutDependency, http.StatusGatewayTimeout},
		{Code("BOGUS_001"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestError_ErrorString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AUTH_001: Authorization header required",
		New(CodeAuthentication, "Authorization header required").Error())

	wrapped := Wrap(errors.New("connection refused"), CodeInternalDatabase, "userstore: lookup failed")
	assert.Equal(t, "INT_002: userstore: lookup failed: connection refused", wrapped.Error())
}

func TestWrap_NilReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "ignored %d", 1))
}

func TestWrap_PreservesChain(t *testing.T) {
	t.Parallel()
	inner := New(CodeConflictAlreadyExists, "duplicate oid")
	outer := fmt.Errorf("resolve: %w", inner)

	got, ok := AsError(outer)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.True(t, IsConflict(outer))
	assert.True(t, HasCode(outer, CodeConflictAlreadyExists))
	assert.True(t, errors.Is(Wrap(inner, CodeInternal, "x"), inner))
}

func TestError_WithDetail_DoesNotMutate(t *testing.T) {
	t.Parallel()
	orig := New(CodeNotFoundKey, "unknown kid")
	withKid := orig.WithDetail("kid", "abc")

	assert.Nil(t, orig.Details)
	assert.Equal(t, "abc", withKid.Details["kid"])
	assert.Equal(t, orig.Code, withKid.Code)
}

func TestError_LogAttrs(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("boom"), CodeInternalDatabase, "userstore: insert failed").
		WithDetail("external_oid", "abc-1")

	attrs := err.LogAttrs()
	assert.Contains(t, attrs, "code")
	assert.Contains(t, attrs, string(CodeInternalDatabase))
	assert.Contains(t, attrs, "boom")
	assert.Contains(t, attrs, "abc-1")
}

func TestError_FormatPlusV(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("refused"), CodeUnavailableDependency, "jwks unreachable")
	out := fmt.Sprintf("%+v", err)
	assert.Contains(t, out, `Code: "UNAVAIL_002"`)
	assert.Contains(t, out, "Cause: refused")
}

func TestFromError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, FromError(nil))

	own := New(CodeValidationFormat, "bad id")
	assert.Same(t, own, FromError(own))

	foreign := FromError(errors.New("plain"))
	assert.Equal(t, CodeInternal, foreign.Code)
}

func TestCategoryChecks(t *testing.T) {
	t.Parallel()
	assert.True(t, IsValidation(Validation("v")))
	assert.True(t, IsAuthentication(Unauthorized("a")))
	assert.True(t, IsAuthorization(Forbidden("f")))
	assert.True(t, IsNotFound(NotFound("n")))
	assert.True(t, IsConflict(Conflict("c")))
	assert.True(t, IsInternal(Internal("i")))
	assert.True(t, IsRateLimited(New(CodeRateLimitedKeyFetch, "r")))
	assert.True(t, IsTimeout(New(CodeTimeoutDatabase, "t")))

	assert.False(t, IsAuthentication(errors.New("plain")))
	assert.False(t, IsAuthentication(nil))
	// AUTHZ must not be mistaken for AUTH.
	assert.False(t, IsAuthentication(Forbidden("f")))
}

func TestIsRetryableAndClientError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(New(CodeTimeoutDependency, "t")))
	assert.True(t, IsRetryable(New(CodeUnavailableDependency, "u")))
	assert.False(t, IsRetryable(New(CodeAuthenticationInvalid, "a")))
	assert.False(t, IsRetryable(errors.New("plain")))

	assert.True(t, IsClientError(New(CodeRateLimited, "r")))
	assert.True(t, IsClientError(New(CodeAuthorizationDenied, "d")))
	assert.False(t, IsClientError(New(CodeInternalDatabase, "db")))
	assert.False(t, IsClientError(errors.New("plain")))
}
