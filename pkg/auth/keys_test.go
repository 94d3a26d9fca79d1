package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/teamskills-gateway/internal/testutil"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

func newTestKeyCache(t *testing.T, cfg KeyCacheConfig) *KeyCache {
	t.Helper()
	c, err := NewKeyCache(cfg)
	require.NoError(t, err)
	return c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNewKeyCache_Defaults(t *testing.T) {
	t.Parallel()
	c := newTestKeyCache(t, KeyCacheConfig{})
	assert.Equal(t, DefaultJWKSURL, c.url)
	assert.Equal(t, DefaultJWKSCacheTTL, c.ttl)
	assert.Equal(t, DefaultJWKSRequestsPerMinute, c.limiter.Burst())
	assert.True(t, strings.HasPrefix(c.storeKey, sharedKeyPrefix))
	assert.Len(t, strings.TrimPrefix(c.storeKey, sharedKeyPrefix), 64)
}

func TestNewKeyCache_RejectsNegativeValues(t *testing.T) {
	t.Parallel()
	_, err := NewKeyCache(KeyCacheConfig{TTL: -time.Second})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)

	_, err = NewKeyCache(KeyCacheConfig{RequestsPerMinute: -1})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestKeyCache_FetchesOnceAndCaches(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL()})

	for i := 0; i < 5; i++ {
		key, err := c.Key(context.Background(), testutil.KeyID)
		require.NoError(t, err)
		assert.Equal(t, iss.Key(testutil.KeyID).PublicKey.N, key.N)
		assert.Equal(t, iss.Key(testutil.KeyID).PublicKey.E, key.E)
	}
	assert.Equal(t, int64(1), iss.Fetches())
	assert.Equal(t, 1, c.Len())
}

func TestKeyCache_EmptyKidRejected(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL()})

	_, err := c.Key(context.Background(), "")
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationInvalid)
	assert.Zero(t, iss.Fetches())
}

func TestKeyCache_UnknownKidAfterFetch(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL()})

	_, err := c.Key(context.Background(), "missing")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(1), iss.Fetches())
}

func TestKeyCache_RotationRefetches(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL()})

	_, err := c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)

	iss.AddKey(t, "rotated")
	key, err := c.Key(context.Background(), "rotated")
	require.NoError(t, err)
	assert.Equal(t, iss.Key("rotated").PublicKey.N, key.N)
	assert.Equal(t, int64(2), iss.Fetches())
}

func TestKeyCache_EntriesExpireAfterTTL(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), TTL: time.Hour})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.Now

	_, err := c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), iss.Fetches(), "entry still fresh")

	clock.Advance(2 * time.Minute)
	assert.Zero(t, c.Len())
	_, err = c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), iss.Fetches(), "expired entry refetched")
}

func TestKeyCache_RateLimitRefusesFetch(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), RequestsPerMinute: 1, Metrics: m})

	_, err := c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)

	_, err = c.Key(context.Background(), "unknown")
	testutil.RequireErrorCode(t, err, sserr.CodeRateLimitedKeyFetch)
	assert.Equal(t, int64(1), iss.Fetches(), "refused fetch must not reach the network")

	_, err = c.Key(context.Background(), testutil.KeyID)
	assert.NoError(t, err, "cached keys keep working while the budget is exhausted")

	assert.Equal(t, 1.0, promtest.ToFloat64(m.keyFetches.WithLabelValues("network", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.keyFetches.WithLabelValues("network", "rate_limited")))
}

// blockingClient holds every request until release is closed.
type blockingClient struct {
	inner   HTTPClient
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingClient) Do(req *http.Request) (*http.Response, error) {
	b.calls.Add(1)
	<-b.release
	return b.inner.Do(req)
}

func TestKeyCache_ConcurrentMissesCollapse(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	client := &blockingClient{inner: http.DefaultClient, release: make(chan struct{})}
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), HTTPClient: client})

	const callers = 20
	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		failed  atomic.Int64
	)
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			started.Done()
			if _, err := c.Key(context.Background(), testutil.KeyID); err != nil {
				failed.Add(1)
			}
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(client.release)
	done.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, int64(1), client.calls.Load())
	assert.Equal(t, int64(1), iss.Fetches())
}

func TestKeyCache_CallerCancellationDoesNotFailSharedFetch(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	client := &blockingClient{inner: http.DefaultClient, release: make(chan struct{})}
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), HTTPClient: client})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Key(ctx, testutil.KeyID)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(client.release)

	assert.NoError(t, <-errCh)
	assert.Equal(t, 1, c.Len())
}

func TestKeyCache_EndpointErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
		{"no keys array", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"issuer":"x"}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			c := newTestKeyCache(t, KeyCacheConfig{URL: srv.URL})

			_, err := c.Key(context.Background(), testutil.KeyID)
			testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
		})
	}
}

func TestKeyCache_Refresh(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	iss.AddKey(t, "second")
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL()})

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), iss.Fetches())
}

func TestParseJWKS_SkipsUnusableKeys(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, "good")

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(iss.JWKS(t), &doc))
	good := doc.Keys[0]

	clone := func(overrides map[string]any) map[string]any {
		m := map[string]any{}
		for k, v := range good {
			m[k] = v
		}
		for k, v := range overrides {
			if v == nil {
				delete(m, k)
				continue
			}
			m[k] = v
		}
		return m
	}
	doc.Keys = append(doc.Keys,
		clone(map[string]any{"kid": "ec", "kty": "EC"}),
		clone(map[string]any{"kid": nil}),
		clone(map[string]any{"kid": "enc", "use": "enc"}),
		clone(map[string]any{"kid": "no-use", "use": nil}),
		clone(map[string]any{"kid": "bad-n", "n": "!!!"}),
		clone(map[string]any{"kid": "empty-n", "n": ""}),
		clone(map[string]any{"kid": "small-e", "e": "Ag"}),
		clone(map[string]any{"kid": "huge-e", "e": "AQIDBAU"}),
	)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	keys, err := parseJWKS(raw)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "good")
	assert.Contains(t, keys, "no-use")
}

func TestParseJWKS_NoUsableKeys(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{`{"keys":[]}`, `{"keys":[{"kty":"oct","kid":"hmac","k":"c2VjcmV0"}]}`, `not json`} {
		_, err := parseJWKS([]byte(doc))
		assert.Error(t, err, doc)
	}
}

type memoryKeySetStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	ttls    map[string]time.Duration
	loadErr error
}

func newMemoryKeySetStore() *memoryKeySetStore {
	return &memoryKeySetStore{docs: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memoryKeySetStore) LoadKeySet(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.docs[key], nil
}

func (s *memoryKeySetStore) StoreKeySet(_ context.Context, key string, doc []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
	s.ttls[key] = ttl
	return nil
}

func TestKeyCache_SharedTierServesOtherReplicas(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	store := newMemoryKeySetStore()

	first := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), TTL: time.Hour, Store: store})
	_, err := first.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, store.ttls[first.storeKey])

	m := NewMetrics(prometheus.NewRegistry())
	second := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), Store: store, Metrics: m})
	_, err = second.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), iss.Fetches(), "second replica served from the shared tier")
	assert.Equal(t, 1.0, promtest.ToFloat64(m.keyFetches.WithLabelValues("shared", "success")))
}

func TestKeyCache_SharedTierWithoutKidFallsBackToNetwork(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	store := newMemoryKeySetStore()
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), Store: store})
	store.docs[c.storeKey] = []byte(`{"keys":[]}`)

	_, err := c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), iss.Fetches())
	assert.Contains(t, string(store.docs[c.storeKey]), testutil.KeyID, "fresh document shared")
}

// gatedKeySetStore holds every load until release is closed.
type gatedKeySetStore struct {
	*memoryKeySetStore
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedKeySetStore) LoadKeySet(ctx context.Context, key string) ([]byte, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.memoryKeySetStore.LoadKeySet(ctx, key)
}

func TestKeyCache_JoinedCallerMissingFromSharedSetFetchesNetwork(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, "A")
	sharedDoc := iss.JWKS(t)
	iss.AddKey(t, "B")

	store := &gatedKeySetStore{
		memoryKeySetStore: newMemoryKeySetStore(),
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	m := NewMetrics(prometheus.NewRegistry())
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), Store: store, Metrics: m})
	store.docs[c.storeKey] = sharedDoc

	errA := make(chan error, 1)
	go func() {
		_, err := c.Key(context.Background(), "A")
		errA <- err
	}()
	<-store.entered

	errB := make(chan error, 1)
	go func() {
		_, err := c.Key(context.Background(), "B")
		errB <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-errA)
	require.NoError(t, <-errB, "kid served by the endpoint must resolve")
	assert.Equal(t, int64(1), iss.Fetches())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.keyFetches.WithLabelValues("shared", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.keyFetches.WithLabelValues("network", "success")))

	key, err := c.Key(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, iss.Key("B").PublicKey.N, key.N)
}

func TestKeyCache_SharedTierFailureIgnored(t *testing.T) {
	t.Parallel()
	iss := testutil.NewIssuer(t, testutil.KeyID)
	store := newMemoryKeySetStore()
	store.loadErr = errors.New("connection refused")
	c := newTestKeyCache(t, KeyCacheConfig{URL: iss.URL(), Store: store})

	_, err := c.Key(context.Background(), testutil.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), iss.Fetches())
}

type fakeStringCache struct {
	values map[string]string
	getErr error
}

func (f *fakeStringCache) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", sserr.NotFound("missing")
	}
	return v, nil
}

func (f *fakeStringCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.values[key] = value.(string)
	return nil
}

func TestRedisKeySetStore(t *testing.T) {
	t.Parallel()
	cache := &fakeStringCache{values: map[string]string{}}
	store := NewRedisKeySetStore(cache)
	ctx := context.Background()

	doc, err := store.LoadKeySet(ctx, "k")
	require.NoError(t, err, "a miss is not an error")
	assert.Nil(t, doc)

	require.NoError(t, store.StoreKeySet(ctx, "k", []byte(`{"keys":[]}`), time.Minute))
	doc, err = store.LoadKeySet(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":[]}`, string(doc))

	cache.getErr = sserr.Internal("down")
	_, err = store.LoadKeySet(ctx, "k")
	assert.Error(t, err)
}
