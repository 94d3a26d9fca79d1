package auth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// DefaultJWKSURL is the multi-tenant signing key endpoint of the identity
// provider.
const DefaultJWKSURL = "https://login.microsoftonline.com/common/discovery/v2.0/keys"

const (
	// DefaultJWKSCacheTTL bounds how long a fetched key is trusted.
	DefaultJWKSCacheTTL = 24 * time.Hour

	// DefaultJWKSRequestsPerMinute bounds how often a cache miss may go to
	// the network.
	DefaultJWKSRequestsPerMinute = 10

	defaultHTTPTimeout = 10 * time.Second
	maxJWKSBodySize    = 1 << 20
	sharedKeyPrefix    = "teamskills:jwks:"
)

// keySource records where a refresh found its key set.
type keySource string

const (
	sourceShared  keySource = "shared"
	sourceNetwork keySource = "network"
)

// HTTPClient is the subset of [http.Client] used to fetch key sets.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySetStore is an optional tier shared between gateway replicas. It
// holds the raw JWKS document so that one replica's fetch serves them all.
// Load returns nil, nil on a miss.
type KeySetStore interface {
	LoadKeySet(ctx context.Context, key string) ([]byte, error)
	StoreKeySet(ctx context.Context, key string, doc []byte, ttl time.Duration) error
}

// KeyCacheConfig configures a [KeyCache]. Zero values select the defaults.
type KeyCacheConfig struct {
	URL               string
	TTL               time.Duration
	RequestsPerMinute int
	HTTPClient        HTTPClient
	Store             KeySetStore
	Metrics           *Metrics
}

type cachedKey struct {
	key       *rsa.PublicKey
	expiresAt time.Time
}

// KeyCache maps key IDs to RSA verification keys fetched from a JWKS
// endpoint. Entries expire after the configured TTL. Misses trigger a fetch
// that is rate limited and collapsed across concurrent callers.
//
// KeyCache is safe for concurrent use.
type KeyCache struct {
	url      string
	ttl      time.Duration
	client   HTTPClient
	store    KeySetStore
	storeKey string
	limiter  *rate.Limiter
	group    singleflight.Group
	metrics  *Metrics
	now      func() time.Time

	mu   sync.RWMutex
	keys map[string]cachedKey
}

// NewKeyCache returns an empty cache for cfg.URL.
func NewKeyCache(cfg KeyCacheConfig) (*KeyCache, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultJWKSURL
	}
	if cfg.TTL < 0 || cfg.RequestsPerMinute < 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"auth: JWKS cache TTL and request budget must be non-negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultJWKSCacheTTL
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultJWKSRequestsPerMinute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	sum := sha256.Sum256([]byte(cfg.URL))
	return &KeyCache{
		url:      cfg.URL,
		ttl:      cfg.TTL,
		client:   cfg.HTTPClient,
		store:    cfg.Store,
		storeKey: sharedKeyPrefix + hex.EncodeToString(sum[:]),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		metrics:  cfg.Metrics,
		now:      time.Now,
		keys:     make(map[string]cachedKey),
	}, nil
}

// Key returns the verification key for kid, fetching the key set when kid
// is unknown or its entry has expired.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token header has no key id")
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	// The shared fetch must not be cancelled by whichever caller happened
	// to start it; the HTTP client timeout bounds it instead.
	fetchCtx := context.WithoutCancel(ctx)
	src, err, _ := c.group.Do(c.url, func() (any, error) {
		return c.refresh(fetchCtx, kid)
	})
	if err != nil {
		return nil, err
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	// Callers joined to a call started for another kid may have been
	// served a shared set that lacks theirs. Only the endpoint can rule
	// kid out.
	if src == sourceShared {
		_, err, _ := c.group.Do(c.url+"#network", func() (any, error) {
			return sourceNetwork, c.fetchNetwork(fetchCtx, kid)
		})
		if err != nil {
			return nil, err
		}
		if key, ok := c.lookup(kid); ok {
			return key, nil
		}
	}
	return nil, sserr.Newf(sserr.CodeNotFoundKey, "auth: signing key %q not found in key set", kid)
}

// Refresh fetches the key set now. It is subject to the same rate limit as
// cache misses and is used to warm the cache at startup.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(c.url, func() (any, error) {
		return c.refresh(ctx, "")
	})
	return err
}

// Len reports the number of unexpired keys.
func (c *KeyCache) Len() int {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.keys {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (c *KeyCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	e, ok := c.keys[kid]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.key, true
}

// refresh loads the key set from the shared tier when it already holds
// want, and from the network otherwise.
func (c *KeyCache) refresh(ctx context.Context, want string) (keySource, error) {
	if want != "" && c.loadShared(ctx, want) {
		return sourceShared, nil
	}
	return sourceNetwork, c.fetchNetwork(ctx, want)
}

// fetchNetwork fetches the key set from the endpoint within the rate limit
// and publishes it to the shared tier.
func (c *KeyCache) fetchNetwork(ctx context.Context, want string) error {
	if !c.limiter.Allow() {
		c.metrics.keyFetch(string(sourceNetwork), "rate_limited")
		slog.WarnContext(ctx, "auth: JWKS fetch refused by rate limit", "url", c.url, "kid", want)
		return sserr.New(sserr.CodeRateLimitedKeyFetch, "auth: JWKS fetch rate limit exceeded")
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		c.metrics.keyFetch(string(sourceNetwork), "error")
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to fetch signing keys")
	}
	keys, err := parseJWKS(doc)
	if err != nil {
		c.metrics.keyFetch(string(sourceNetwork), "error")
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to parse signing keys")
	}
	c.metrics.keyFetch(string(sourceNetwork), "success")
	c.install(keys)
	slog.DebugContext(ctx, "auth: fetched signing keys", "url", c.url, "keys", len(keys))

	if c.store != nil {
		if err := c.store.StoreKeySet(ctx, c.storeKey, doc, c.ttl); err != nil {
			slog.WarnContext(ctx, "auth: failed to share signing keys", "error", err)
		}
	}
	return nil
}

// loadShared installs the shared key set if it contains want. Store
// failures are logged and treated as a miss.
func (c *KeyCache) loadShared(ctx context.Context, want string) bool {
	if c.store == nil {
		return false
	}
	doc, err := c.store.LoadKeySet(ctx, c.storeKey)
	if err != nil {
		slog.WarnContext(ctx, "auth: shared key set unavailable", "error", err)
		return false
	}
	if doc == nil {
		return false
	}
	keys, err := parseJWKS(doc)
	if err != nil {
		slog.WarnContext(ctx, "auth: shared key set is corrupt", "error", err)
		return false
	}
	if _, ok := keys[want]; !ok {
		return false
	}
	c.metrics.keyFetch(string(sourceShared), "success")
	c.install(keys)
	return true
}

func (c *KeyCache) install(keys map[string]*rsa.PublicKey) {
	now := c.now()
	expiresAt := now.Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for kid, e := range c.keys {
		if !now.Before(e.expiresAt) {
			delete(c.keys, kid)
		}
	}
	for kid, key := range keys {
		c.keys[kid] = cachedKey{key: key, expiresAt: expiresAt}
	}
}

func (c *KeyCache) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read JWKS response: %w", err)
	}
	return body, nil
}

// parseJWKS extracts the RSA signing keys of a JWKS document. Keys of
// other types, keys without a kid and malformed keys are skipped. A document
// with no usable key is an error.
func parseJWKS(doc []byte) (map[string]*rsa.PublicKey, error) {
	set, err := jwk.Parse(doc, jwk.WithIgnoreParseError(true))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyID() == "" || key.KeyType() != jwa.RSA {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			continue
		}
		if pub.N == nil || pub.N.Sign() <= 0 || pub.E < 3 || pub.E > math.MaxInt32 {
			continue
		}
		keys[key.KeyID()] = &pub
	}
	if len(keys) == 0 {
		return nil, errors.New("auth: JWKS document has no usable RSA signing keys")
	}
	return keys, nil
}
