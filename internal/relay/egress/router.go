// Package egress resolves the outbound proxy and TLS-verification policy for
// a destination URL from a static route table and a global proxy pool.
//
// Grounded on original_source/config.py's get_proxy_for_url/get_ssl_setting_for_url
// (first-substring-match-wins, global-pool random fallback, direct if no
// match and an empty pool).
package egress

import (
	"math/rand/v2"
	"strings"

	"github.com/Corrah/CorrahFlow/internal/config"
)

// Router resolves egress policy for destination URLs against a fixed route
// table and a global proxy pool. A Router is safe for concurrent use: its
// fields are set once at construction and never mutated afterward.
type Router struct {
	routes []config.Route
	pool   []string
}

// NewRouter builds a Router from the given route table and global proxy pool.
func NewRouter(routes []config.Route, pool []string) *Router {
	return &Router{routes: routes, pool: pool}
}

// ResolveProxy returns the outbound proxy URI to use for url, or "" for a
// direct connection.
//
// The first route whose URLPattern is a substring of url wins: if that
// route names a proxy, it is returned; otherwise the match means "direct"
// even though later routes or the pool might otherwise apply. If no route
// matches, a uniform-random member of the global pool is returned, or ""
// if the pool is empty.
func (r *Router) ResolveProxy(url string) string {
	if url == "" {
		return ""
	}
	if route, ok := r.matchRoute(url); ok {
		return route.Proxy
	}
	if len(r.pool) == 0 {
		return ""
	}
	return r.pool[rand.IntN(len(r.pool))]
}

// ResolveTLS reports whether TLS verification should be disabled for url.
// Uses the same first-match-wins matcher as ResolveProxy; absence of a
// match means verify (false).
func (r *Router) ResolveTLS(url string) bool {
	if url == "" {
		return false
	}
	route, ok := r.matchRoute(url)
	if !ok {
		return false
	}
	return route.DisableTLSVerify
}

// matchRoute returns the first route whose URLPattern is a (case-sensitive)
// substring of url, per spec.md §4.1.
func (r *Router) matchRoute(url string) (config.Route, bool) {
	for _, route := range r.routes {
		if route.URLPattern != "" && strings.Contains(url, route.URLPattern) {
			return route, true
		}
	}
	return config.Route{}, false
}
