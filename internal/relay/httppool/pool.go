// Package httppool caches and reuses outbound HTTP client sessions keyed by
// outbound proxy URI, per spec.md §4.2.
//
// Grounded on pkg/httpclient's resilient Client (circuit breaker, retry,
// decompression) and the teacher's connection-pool sizing idiom; sessions
// are distinguished by proxy key ("direct" for no proxy) the way
// original_source/services/hls_proxy.py keys its aiohttp ClientSession
// cache by outbound proxy.
package httppool

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Corrah/CorrahFlow/internal/relay/egress"
	"github.com/Corrah/CorrahFlow/pkg/httpclient"
)

// DirectKey is the distinguished map key for the no-proxy session.
const DirectKey = "direct"

const (
	keepAlive             = 60 * time.Second
	defaultTotalTimeout   = 30 * time.Second
	maxIdleConnsPerHost   = 0 // net/http default: 2 idle connections kept per host
	maxConnsPerHost       = 0 // unlimited concurrent connections per host
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
)

// Pool caches *httpclient.Client sessions keyed by outbound proxy URI.
// A closed cached session is detected and recreated transparently. Callers
// never close a pool-owned session.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*session
	router   *egress.Router
	logger   *slog.Logger
	registry *httpclient.Registry
}

type session struct {
	client *httpclient.Client
	closed bool
}

// New creates a Pool that resolves outbound policy via router and registers
// each session's circuit breaker in registry for diagnostics.
func New(router *egress.Router, logger *slog.Logger, registry *httpclient.Registry) *Pool {
	if registry == nil {
		registry = httpclient.NewRegistry()
	}
	return &Pool{
		sessions: make(map[string]*session),
		router:   router,
		logger:   logger,
		registry: registry,
	}
}

// Acquire returns the session appropriate for requests to destinationURL.
// callerMustClose is always false: the pool owns every session it returns.
func (p *Pool) Acquire(destinationURL string) (client *httpclient.Client, callerMustClose bool) {
	proxyURI := p.router.ResolveProxy(destinationURL)
	disableTLSVerify := p.router.ResolveTLS(destinationURL)
	key := proxyURI
	if key == "" {
		key = DirectKey
	}

	p.mu.RLock()
	s, ok := p.sessions[key]
	p.mu.RUnlock()
	if ok && !s.closed {
		return s.client, false
	}

	return p.createSession(key, proxyURI, disableTLSVerify), false
}

func (p *Pool) createSession(key, proxyURI string, disableTLSVerify bool) *httpclient.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under write lock: another goroutine may have already created it.
	if s, ok := p.sessions[key]; ok && !s.closed {
		return s.client
	}

	base := newBaseClient(proxyURI, disableTLSVerify, p.logger)
	client := base
	if client == nil {
		// Proxy URI failed to parse; fall back to the direct session rather
		// than failing the caller's request, per spec.md §4.2 failure handling.
		if p.logger != nil {
			p.logger.Warn("egress proxy session creation failed, falling back to direct",
				slog.String("proxy", proxyURI))
		}
		client = newBaseClient("", false, p.logger)
		key = DirectKey
	}

	p.sessions[key] = &session{client: client}
	p.registry.Register(key, client)
	return client
}

func newBaseClient(proxyURI string, disableTLSVerify bool, logger *slog.Logger) *httpclient.Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		DisableCompression:    true, // httpclient.Client manages decompression itself
	}
	if disableTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit egress policy
	}

	if proxyURI != "" {
		parsed, err := url.Parse(proxyURI)
		if err != nil {
			return nil
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	baseClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTotalTimeout,
	}

	cfg := httpclient.DefaultConfig()
	cfg.BaseClient = baseClient
	cfg.Logger = logger
	cfg.UserAgent = "corrahflow-relay/1.0"
	return httpclient.New(cfg)
}

// Close marks every cached session closed. It does not close underlying
// transports eagerly; they are released by the garbage collector once their
// idle connections time out, matching the teacher's shutdown idiom.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sessions {
		s.closed = true
		p.registry.Unregister(key)
	}
}

// Registry exposes the underlying client registry for diagnostics endpoints.
func (p *Pool) Registry() *httpclient.Registry {
	return p.registry
}
