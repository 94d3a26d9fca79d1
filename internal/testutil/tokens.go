package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Issuer plays the role of the external identity provider in tests. It
// owns RSA signing keys, serves them as a JWKS document from an
// httptest.Server, and mints RS256 tokens.
type Issuer struct {
	Server *httptest.Server

	mu      sync.RWMutex
	keys    map[string]*rsa.PrivateKey
	fetches atomic.Int64
}

// NewIssuer starts a JWKS server publishing a single key under kid.
// The server is closed when the test ends.
func NewIssuer(t testing.TB, kid string) *Issuer {
	t.Helper()
	iss := &Issuer{keys: map[string]*rsa.PrivateKey{}}
	iss.AddKey(t, kid)
	iss.Server = httptest.NewServer(http.HandlerFunc(iss.serveJWKS))
	t.Cleanup(iss.Server.Close)
	return iss
}

// URL is the JWKS endpoint.
func (i *Issuer) URL() string {
	return i.Server.URL + "/discovery/v2.0/keys"
}

// Fetches reports how many times the JWKS document was requested.
func (i *Issuer) Fetches() int64 {
	return i.fetches.Load()
}

// AddKey generates a 2048-bit key, publishes it under kid, and returns it.
func (i *Issuer) AddKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	i.mu.Lock()
	i.keys[kid] = key
	i.mu.Unlock()
	return key
}

// RemoveKey stops publishing kid, simulating rotation.
func (i *Issuer) RemoveKey(kid string) {
	i.mu.Lock()
	delete(i.keys, kid)
	i.mu.Unlock()
}

// Key returns the private key published under kid.
func (i *Issuer) Key(kid string) *rsa.PrivateKey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.keys[kid]
}

// JWKS returns the current key set document.
func (i *Issuer) JWKS(t testing.TB) []byte {
	t.Helper()
	doc, err := i.document()
	require.NoError(t, err)
	return doc
}

func (i *Issuer) document() ([]byte, error) {
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	i.mu.RLock()
	keys := make([]jwk, 0, len(i.keys))
	for kid, k := range i.keys {
		keys = append(keys, jwk{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(k.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.PublicKey.E)).Bytes()),
		})
	}
	i.mu.RUnlock()
	return json.Marshal(map[string]any{"keys": keys})
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	i.fetches.Add(1)
	doc, err := i.document()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// Sign mints an RS256 token with the key published under kid.
func (i *Issuer) Sign(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	key := i.Key(kid)
	require.NotNil(t, key, "no key published under kid %q", kid)
	return SignRS256(t, key, kid, claims)
}

// SignRS256 mints an RS256 token with an arbitrary key.
func SignRS256(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign RS256 token")
	return s
}

// Claims returns a valid claim set for audience aud carrying the given oid
// and email. Empty values are omitted so tests can exercise fallbacks.
func Claims(aud, oid, email, name string) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss": "https://login.microsoftonline.com/" + TenantID + "/v2.0",
		"aud": aud,
		"iat": now.Add(-time.Minute).Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"tid": TenantID,
	}
	if oid != "" {
		c["oid"] = oid
	}
	if email != "" {
		c["email"] = email
	}
	if name != "" {
		c["name"] = name
	}
	return c
}

// Standard identifiers shared by gateway tests.
const (
	ClientID = "11111111-2222-3333-4444-555555555555"
	TenantID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	KeyID    = "test-kid-1"
)
