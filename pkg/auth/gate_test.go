package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

const testClientID = "client-id"

var configured = NewPolicy(testClientID, "tenant-id")

type fakeVerifier struct {
	claims map[string]*ExternalClaims
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (*ExternalClaims, error) {
	if c, ok := f.claims[token]; ok {
		return c, nil
	}
	return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token verification failed")
}

type fakeResolver struct {
	users map[string]*User
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, claims *ExternalClaims) (*User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if u, ok := f.users[claims.Subject]; ok {
		return u, nil
	}
	return nil, sserr.New(sserr.CodeNotFoundUser, "no such user")
}

var (
	member = &User{ID: 1, Name: "Member", Role: DefaultRole}
	admin  = &User{ID: 2, Name: "Admin", Role: "Lead", IsAdmin: true}
)

func newTestGate(policy Policy, m *Metrics) *Gate {
	v := &fakeVerifier{claims: map[string]*ExternalClaims{
		"member-token": {Subject: "member-oid"},
		"admin-token":  {Subject: "admin-oid"},
		"orphan-token": {Subject: "orphan-oid"},
	}}
	r := &fakeResolver{users: map[string]*User{
		"member-oid": member,
		"admin-oid":  admin,
	}}
	return NewGate(policy, v, r, m)
}

// echoUser reports the attached user's ID, or "anonymous".
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if u, ok := UserFromContext(r.Context()); ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": u.ID})
		return
	}
	_, _ = w.Write([]byte("anonymous"))
})

func serve(h http.Handler, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body sserr.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body.Error
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	h := g.RequireAuth(echoUser)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{"no header", "", http.StatusUnauthorized, MsgAuthorizationRequired},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, MsgAuthorizationRequired},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, MsgAuthorizationRequired},
		{"invalid token", "Bearer forged", http.StatusUnauthorized, MsgInvalidToken},
		{"unresolvable identity", "Bearer orphan-token", http.StatusUnauthorized, MsgInvalidToken},
		{"valid", "Bearer member-token", http.StatusOK, ""},
		{"lowercase scheme", "bearer member-token", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, errorMessage(t, rec))
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			} else {
				assert.JSONEq(t, `{"id":1}`, rec.Body.String())
			}
		})
	}
}

func TestRequireAuth_ResolverFailureIsGeneric(t *testing.T) {
	t.Parallel()
	g := NewGate(configured,
		&fakeVerifier{claims: map[string]*ExternalClaims{"tok": {Subject: "s"}}},
		&fakeResolver{err: sserr.Wrap(errors.New("pq: connection reset"), sserr.CodeInternalDatabase, "userstore: find failed")},
		nil)

	rec := serve(g.RequireAuth(echoUser), http.MethodGet, "/", "tok", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, MsgInvalidToken, errorMessage(t, rec))
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestRequireAuth_AttachesClaims(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	var got *ExternalClaims
	h := g.RequireAuth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	}))

	serve(h, http.MethodGet, "/", "admin-token", nil)
	require.NotNil(t, got)
	assert.Equal(t, "admin-oid", got.Subject)
}

func TestOptionalAuth(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	h := g.OptionalAuth(echoUser)

	rec := serve(h, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())

	rec = serve(h, http.MethodGet, "/", "forged", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())

	rec = serve(h, http.MethodGet, "/", "member-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
}

func TestGate_MissingDependencies(t *testing.T) {
	t.Parallel()
	g := NewGate(configured, nil, nil, nil)

	_, err := g.Authenticate(context.Background(), "Bearer x")
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))

	rec := serve(g.RequireAuth(echoUser), http.MethodGet, "/", "x", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, sserr.GenericServerMessage, errorMessage(t, rec))
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	h := g.RequireAuth(g.RequireAdmin(echoUser))

	rec := serve(h, http.MethodGet, "/api/auth/users", "admin-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/api/auth/users", "member-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, MsgAdminRequired, errorMessage(t, rec))

	rec = serve(g.RequireAdmin(echoUser), http.MethodGet, "/api/auth/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, MsgAuthenticationRequired, errorMessage(t, rec))
}

func TestRequireOwnership_URLParam(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	r := chi.NewRouter()
	r.With(g.RequireAuth, g.RequireOwnership(OwnerFromURLParam("id"))).
		Put("/api/users/{id}", echoUser)

	tests := []struct {
		name       string
		token      string
		owner      string
		wantStatus int
		wantError  string
	}{
		{"owner", "member-token", "1", http.StatusOK, ""},
		{"other user", "member-token", "2", http.StatusForbidden, MsgOwnershipRequired},
		{"admin on other user", "admin-token", "1", http.StatusOK, ""},
		{"admin on malformed id", "admin-token", "abc", http.StatusOK, ""},
		{"malformed id", "member-token", "abc", http.StatusBadRequest, MsgInvalidUserID},
		{"trailing garbage", "member-token", "1abc", http.StatusBadRequest, MsgInvalidUserID},
		{"no token", "", "1", http.StatusUnauthorized, MsgAuthorizationRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(r, http.MethodPut, "/api/users/"+tt.owner, tt.token, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, errorMessage(t, rec))
			}
		})
	}
}

func TestRequireOwnership_WithoutUser(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)
	h := g.RequireOwnership(OwnerFromQuery("userId"))(echoUser)

	rec := serve(h, http.MethodGet, "/?userId=1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, MsgAuthenticationRequired, errorMessage(t, rec))
}

func TestRequireOwnership_QueryAndBody(t *testing.T) {
	t.Parallel()
	g := newTestGate(configured, nil)

	q := g.RequireAuth(g.RequireOwnership(OwnerFromQuery("userId"))(echoUser))
	assert.Equal(t, http.StatusOK, serve(q, http.MethodGet, "/skills?userId=1", "member-token", nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(q, http.MethodGet, "/skills?userId=2", "member-token", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(q, http.MethodGet, "/skills", "member-token", nil).Code)

	var seenBody string
	handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
	})
	b := g.RequireAuth(g.RequireOwnership(OwnerFromJSONBody("user_id"))(handler))

	body := `{"user_id": 1, "skill": "Go"}`
	rec := serve(b, http.MethodPost, "/skills", "member-token", strings.NewReader(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seenBody, "handler sees the original body")

	rec = serve(b, http.MethodPost, "/skills", "member-token", strings.NewReader(`{"user_id":"1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(b, http.MethodPost, "/skills", "member-token", strings.NewReader(`{"user_id":2}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(b, http.MethodPost, "/skills", "member-token", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGate_DemoModePassesEverythingThrough(t *testing.T) {
	t.Parallel()
	m := NewMetrics(prometheus.NewRegistry())
	g := NewGate(NewPolicy("", ""), nil, nil, m)
	chain := g.RequireAuth(g.RequireAdmin(g.RequireOwnership(OwnerFromQuery("userId"))(echoUser)))

	for _, target := range []string{"/", "/?userId=abc", "/?userId=99"} {
		rec := serve(chain, http.MethodDelete, target, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "anonymous", rec.Body.String())
	}
	rec := serve(g.OptionalAuth(echoUser), http.MethodGet, "/", "anything", nil)
	assert.Equal(t, "anonymous", rec.Body.String())

	assert.Equal(t, 3.0, promtest.ToFloat64(m.decisions.WithLabelValues("authenticate", "bypass")))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.decisions.WithLabelValues("admin", "bypass")))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.decisions.WithLabelValues("ownership", "bypass")))
}

func TestGate_DecisionMetrics(t *testing.T) {
	t.Parallel()
	m := NewMetrics(prometheus.NewRegistry())
	g := newTestGate(configured, m)
	h := g.RequireAuth(g.RequireAdmin(echoUser))

	serve(h, http.MethodGet, "/", "admin-token", nil)
	serve(h, http.MethodGet, "/", "member-token", nil)
	serve(h, http.MethodGet, "/", "", nil)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.decisions.WithLabelValues("authenticate", "allow")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.decisions.WithLabelValues("authenticate", "deny")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.decisions.WithLabelValues("admin", "allow")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.decisions.WithLabelValues("admin", "deny")))
}

func TestParseUserID(t *testing.T) {
	t.Parallel()
	id, err := ParseUserID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "abc", "1.5", " 1", "1e3", "99999999999999999999"} {
		_, err := ParseUserID(raw)
		assert.True(t, sserr.HasCode(err, sserr.CodeValidationFormat), "raw %q", raw)
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":                 "",
		"Bearer":           "",
		"Bearer ":          "",
		"Bearer abc":       "abc",
		"BEARER abc":       "abc",
		"Bearer   abc  ":   "abc",
		"Basic abc":        "",
		"Token abc.def":    "",
		"Bearerabc.def.gh": "",
	}
	for header, want := range tests {
		assert.Equal(t, want, ExtractBearerToken(header), "header %q", header)
	}
}

func TestOwnerFromJSONBody_NilBody(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = nil
	assert.Equal(t, "", OwnerFromJSONBody("user_id")(req))
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := UserFromContext(ctx)
	assert.False(t, ok)
	_, ok = UserFromContext(ContextWithUser(ctx, nil))
	assert.False(t, ok, "a nil user is anonymous")

	u, ok := UserFromContext(ContextWithUser(ctx, member))
	require.True(t, ok)
	assert.Same(t, member, u)

	assert.Equal(t, "", RequestIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ContextWithRequestID(ctx, "req-1")))

	_, ok = TraceIDFromContext(ctx)
	assert.False(t, ok)
}
