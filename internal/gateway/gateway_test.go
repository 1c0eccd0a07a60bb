package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/cache"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/config"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyStore records which URLs touch the cache so tests can assert the
// bypass invariant.
type spyStore struct {
	cache.Store
	mu   sync.Mutex
	gets []string
	sets []string
}

func (s *spyStore) Get(ctx context.Context, url string) (*cache.Entry, error) {
	s.mu.Lock()
	s.gets = append(s.gets, url)
	s.mu.Unlock()
	return s.Store.Get(ctx, url)
}

func (s *spyStore) Set(ctx context.Context, entry *cache.Entry) error {
	s.mu.Lock()
	s.sets = append(s.sets, entry.URL)
	s.mu.Unlock()
	return s.Store.Set(ctx, entry)
}

func (s *spyStore) setCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.sets {
		if u == url {
			n++
		}
	}
	return n
}

func (s *spyStore) touched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gets) + len(s.sets)
}

func newTestGateway(t *testing.T, upstream string, store cache.Store, cfgMod func(*config.GatewayConfig)) *Gateway {
	t.Helper()
	cfg := config.GatewayConfig{
		Listen:          ":0",
		Upstream:        upstream,
		CacheGeneration: "v1",
		CacheTTL:        time.Hour,
		OfflinePath:     "/offline.html",
		BypassPrefixes:  []string{"/api/", "/auth/"},
		DevPrefixes:     []string{"/@vite", "/__"},
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	logger := zerolog.Nop()
	g, err := New(cfg, "neondb", store, events.NewEventBus(), nil, &logger)
	require.NoError(t, err)
	return g
}

func TestAPIRequestsBypassCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	for _, path := range []string{"/api/v1/customers", "/auth/login", "/rest/neondb/query"} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "live", rec.Body.String())
	}

	assert.Equal(t, 0, store.touched(), "cache must never be read or written for API, auth, or backend paths")
}

func TestDevPathsBypassCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hmr"))
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/@vite/client", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, store.touched())
}

func TestMutationsBypassCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/app.css", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0, store.touched())
}

func TestStaleWhileRevalidate(t *testing.T) {
	var mu sync.Mutex
	body := "version-1"
	fetches := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		w.Write([]byte(body))
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	// First request misses, hits the network, and caches the result.
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, "version-1", rec.Body.String())
	assert.Equal(t, 1, store.setCount("/app.js"))

	// Upstream moves on to a new version.
	mu.Lock()
	body = "version-2"
	mu.Unlock()

	// Second request serves the stale copy immediately.
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, "version-1", rec.Body.String())

	// After the background refresh settles, the cache holds version-2.
	assert.Eventually(t, func() bool {
		entry, err := store.Store.Get(context.Background(), "/app.js")
		return err == nil && entry != nil && string(entry.Body) == "version-2"
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, "version-2", rec.Body.String())
}

func TestAssetOfflineWithoutCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // network is down

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.css", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, "total miss still yields a response")
}

func TestAssetServedFromCacheWhileOffline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached asset"))
	}))

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logo.svg", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	upstream.Close()

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logo.svg", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached asset", rec.Body.String())
}

func navigationRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	return r
}

func TestNavigationNetworkFirst(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>fresh</html>"))
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navigationRequest("/customers"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>fresh</html>", rec.Body.String())
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			w.Write([]byte("<html>offline page</html>"))
			return
		}
		w.Write([]byte("<html>app</html>"))
	}))

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)
	g.Install(context.Background())

	upstream.Close()

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navigationRequest("/customers"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>offline page</html>", rec.Body.String())
}

func TestNavigationSynthesizedFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navigationRequest("/customers"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Offline")
}

func TestInstallPrecachesAssets(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset:" + r.URL.Path))
	}))
	defer upstream.Close()

	store := &spyStore{Store: cache.NewMemoryStore("v1")}
	g := newTestGateway(t, upstream.URL, store, func(cfg *config.GatewayConfig) {
		cfg.PrecacheURLs = []string{"/", "/app.js", "/app.css"}
	})

	g.Install(context.Background())

	for _, u := range []string{"/", "/app.js", "/app.css", "/offline.html"} {
		entry, err := store.Store.Get(context.Background(), u)
		require.NoError(t, err)
		assert.NotNil(t, entry, "expected %s to be precached", u)
	}
}

func TestActivatePurgesOldGenerations(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	old := cache.NewRedisStore(client, "v1", time.Hour)
	require.NoError(t, old.Set(context.Background(), &cache.Entry{URL: "/app.js", Status: http.StatusOK, Body: []byte("old")}))

	current := cache.NewRedisStore(client, "v2", time.Hour)
	g := newTestGateway(t, upstream.URL, current, func(cfg *config.GatewayConfig) {
		cfg.CacheGeneration = "v2"
	})
	g.Activate(context.Background())

	entry, err := old.Get(context.Background(), "/app.js")
	require.NoError(t, err)
	assert.Nil(t, entry, "no cache from an old generation remains accessible")
}

func TestSkipWaitingShortensActivation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	store := cache.NewMemoryStore("v1")
	g := newTestGateway(t, upstream.URL, store, func(cfg *config.GatewayConfig) {
		cfg.ActivateDelay = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()

	// Without SKIP_WAITING the gateway would sit in waiting for an hour.
	g.SkipWaiting()
	assert.Eventually(t, func() bool {
		return g.state.Load() == stateActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
