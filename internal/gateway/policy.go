package gateway

import (
	"net/http"
	"strings"
)

// Request policies, in order of precedence. API, auth and backend traffic
// must always hit the network live; caching it would serve stale financial
// data or stale auth state.
const (
	policyPassthrough          = "passthrough"
	policyNetworkFirst         = "network_first"
	policyStaleWhileRevalidate = "stale_while_revalidate"
)

func (g *Gateway) policyFor(r *http.Request) string {
	path := r.URL.Path

	// Proxy-form requests for another origin are never intercepted.
	if r.URL.IsAbs() && r.URL.Host != "" && r.URL.Host != g.upstream.Host {
		return policyPassthrough
	}

	for _, prefix := range g.cfg.BypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return policyPassthrough
		}
	}
	if g.backendMarker != "" && strings.Contains(path, g.backendMarker) {
		return policyPassthrough
	}
	for _, prefix := range g.cfg.DevPrefixes {
		if strings.HasPrefix(path, prefix) {
			return policyPassthrough
		}
	}

	// Only idempotent reads are cache candidates.
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return policyPassthrough
	}

	if isNavigation(r) {
		return policyNetworkFirst
	}
	return policyStaleWhileRevalidate
}

// isNavigation detects full-page loads the way browsers advertise them.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}

// cacheable reports whether a fetched response may be written to the
// cache: plain 200s only, so error pages and partial content never mask
// the real asset.
func cacheable(status int) bool {
	return status == http.StatusOK
}
