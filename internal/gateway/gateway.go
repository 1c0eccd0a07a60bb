package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/cache"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/config"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/events"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Lifecycle states, mirroring install -> activate -> active.
const (
	stateInstalling int32 = iota
	stateWaiting
	stateActive
)

// internalPrefix reserves a path for the agent's own surface (hub
// websocket, metrics, sync endpoints); it is handled before any caching
// policy applies.
const internalPrefix = "/_agent/"

const maxCachedBody = 10 << 20

// Gateway fronts the app origin with a differentiated caching policy:
// API and auth traffic passes straight through, navigations are
// network-first with an offline fallback, and static assets are served
// stale-while-revalidate. Every request gets a response; the handler
// never propagates an error outward.
type Gateway struct {
	cfg           config.GatewayConfig
	backendMarker string
	upstream      *url.URL
	client        *http.Client
	cache         cache.Store
	bus           *events.EventBus
	logger        zerolog.Logger
	internal      http.Handler
	server        *http.Server

	state      atomic.Int32
	skipOnce   sync.Once
	skipCh     chan struct{}
	revalidate *rate.Limiter
	background sync.WaitGroup
}

func New(cfg config.GatewayConfig, backendMarker string, store cache.Store, bus *events.EventBus, internal http.Handler, logger *zerolog.Logger) (*Gateway, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	g := &Gateway{
		cfg:           cfg,
		backendMarker: backendMarker,
		upstream:      upstream,
		client:        &http.Client{Timeout: 30 * time.Second},
		cache:         store,
		bus:           bus,
		logger:        logger.With().Str("component", "gateway").Logger(),
		internal:      internal,
		skipCh:        make(chan struct{}),
		revalidate:    rate.NewLimiter(rate.Limit(20), 50),
	}
	g.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           g,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return g, nil
}

// Run walks the lifecycle and serves until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	g.Install(ctx)

	// A configured delay models the waiting worker; SKIP_WAITING cuts it
	// short.
	if g.cfg.ActivateDelay > 0 {
		g.state.Store(stateWaiting)
		select {
		case <-time.After(g.cfg.ActivateDelay):
		case <-g.skipCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.Activate(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", g.server.Addr).Msg("gateway listening")
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return g.Shutdown(context.Background())
	}
}

// Shutdown stops the listener and waits for in-flight background
// revalidations to settle.
func (g *Gateway) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := g.server.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		g.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
	}
	return err
}

// Install pre-populates the current cache generation with the configured
// asset list plus the offline page. An empty list is the lazy variant:
// nothing is fetched ahead of time.
func (g *Gateway) Install(ctx context.Context) {
	g.state.Store(stateInstalling)

	urls := append([]string{}, g.cfg.PrecacheURLs...)
	if g.cfg.OfflinePath != "" {
		urls = append(urls, g.cfg.OfflinePath)
	}
	g.CacheURLs(ctx, urls)
	g.logger.Info().Int("precached", len(urls)).Str("generation", g.cfg.CacheGeneration).Msg("install finished")
}

// Activate deletes every cache entry from older generations, then marks
// the gateway as controlling.
func (g *Gateway) Activate(ctx context.Context) {
	purged, err := g.cache.PurgeStale(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("purge stale cache generations")
	} else if purged > 0 {
		g.logger.Info().Int("purged", purged).Msg("stale cache generations removed")
	}
	g.state.Store(stateActive)
	_ = g.bus.PublishJSON(events.EventCacheActivate, map[string]string{"generation": g.cfg.CacheGeneration})
}

// SkipWaiting activates a waiting gateway immediately.
func (g *Gateway) SkipWaiting() {
	g.skipOnce.Do(func() { close(g.skipCh) })
}

// CacheURLs fetches each URL from the upstream and stores cacheable
// responses under the current generation. Individual failures are logged,
// not fatal: a missing asset only costs a later cache miss.
func (g *Gateway) CacheURLs(ctx context.Context, urls []string) {
	for _, u := range urls {
		if !strings.HasPrefix(u, "/") {
			g.logger.Warn().Str("url", u).Msg("skipping non-local cache url")
			continue
		}
		entry, err := g.fetchUpstream(ctx, u, nil)
		if err != nil {
			g.logger.Warn().Err(err).Str("url", u).Msg("precache fetch failed")
			continue
		}
		if !cacheable(entry.Status) {
			continue
		}
		if err := g.cache.Set(ctx, entry); err != nil {
			g.logger.Warn().Err(err).Str("url", u).Msg("precache store failed")
		}
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.internal != nil && strings.HasPrefix(r.URL.Path, internalPrefix) {
		g.internal.ServeHTTP(w, r)
		return
	}

	switch g.policyFor(r) {
	case policyPassthrough:
		g.handlePassthrough(w, r)
	case policyNetworkFirst:
		g.handleNavigation(w, r)
	default:
		g.handleAsset(w, r)
	}
}

// handlePassthrough proxies the request untouched. The cache is neither
// read nor written on this path.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	target := *r.URL
	if !target.IsAbs() {
		target.Scheme = g.upstream.Scheme
		target.Host = g.upstream.Host
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		metrics.IncGateway(policyPassthrough, "error")
		writeSynthesized(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.IncGateway(policyPassthrough, "error")
		writeSynthesized(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("stream upstream body")
	}
	metrics.IncGateway(policyPassthrough, "ok")
}

// handleNavigation is network-first: on failure it serves the cached
// offline page, then a synthesized offline response as the last resort.
func (g *Gateway) handleNavigation(w http.ResponseWriter, r *http.Request) {
	entry, err := g.fetchUpstream(r.Context(), r.URL.RequestURI(), r.Header)
	if err == nil {
		serveEntry(w, entry)
		metrics.IncGateway(policyNetworkFirst, "network")
		return
	}

	offline, cacheErr := g.cache.Get(r.Context(), g.cfg.OfflinePath)
	if cacheErr == nil && offline != nil {
		serveEntry(w, offline)
		metrics.IncGateway(policyNetworkFirst, "offline_page")
		return
	}

	metrics.IncGateway(policyNetworkFirst, "synthesized")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, "<!doctype html><html><body><h1>Offline</h1><p>The app is offline and no cached page is available.</p></body></html>")
}

// handleAsset is stale-while-revalidate: a cached response is returned
// immediately while a background refresh races independently; its result
// only affects future requests.
func (g *Gateway) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()

	cached, err := g.cache.Get(r.Context(), key)
	if err != nil {
		g.logger.Debug().Err(err).Str("url", key).Msg("cache read failed")
	}
	if cached != nil {
		serveEntry(w, cached)
		metrics.IncGateway(policyStaleWhileRevalidate, "hit")
		g.revalidateAsync(key)
		return
	}

	entry, err := g.fetchUpstream(r.Context(), key, r.Header)
	if err != nil {
		metrics.IncGateway(policyStaleWhileRevalidate, "error")
		writeSynthesized(w, http.StatusGatewayTimeout, "offline and not cached")
		return
	}
	if cacheable(entry.Status) {
		if err := g.cache.Set(r.Context(), entry); err != nil {
			g.logger.Debug().Err(err).Str("url", key).Msg("cache write failed")
		}
	}
	serveEntry(w, entry)
	metrics.IncGateway(policyStaleWhileRevalidate, "miss")
}

// revalidateAsync refreshes a cache entry in the background. The refresh
// is tracked so shutdown can wait for it, and rate-limited so a burst of
// hits does not hammer the upstream.
func (g *Gateway) revalidateAsync(key string) {
	if !g.revalidate.Allow() {
		return
	}
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entry, err := g.fetchUpstream(ctx, key, nil)
		if err != nil {
			g.logger.Debug().Err(err).Str("url", key).Msg("revalidation fetch failed")
			return
		}
		if !cacheable(entry.Status) {
			return
		}
		if err := g.cache.Set(ctx, entry); err != nil {
			g.logger.Debug().Err(err).Str("url", key).Msg("revalidation store failed")
		}
	}()
}

func (g *Gateway) fetchUpstream(ctx context.Context, requestURI string, header http.Header) (*cache.Entry, error) {
	target := *g.upstream
	if parsed, err := url.ParseRequestURI(requestURI); err == nil {
		target.Path = parsed.Path
		target.RawQuery = parsed.RawQuery
	} else {
		target.Path = requestURI
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if header != nil {
		copyHeaders(req.Header, header)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, err
	}

	return &cache.Entry{
		URL:      requestURI,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

func serveEntry(w http.ResponseWriter, entry *cache.Entry) {
	copyHeaders(w.Header(), entry.Header)
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch name {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Proxy-Authorization":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeSynthesized(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
