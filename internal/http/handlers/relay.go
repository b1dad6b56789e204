// Package handlers wires the relay's domain packages (egress, httppool,
// extractor, hlsrewrite, mpdconv, cenc, keypipe, segmentpipe) into HTTP
// endpoints, per spec.md §6.
package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Corrah/CorrahFlow/internal/config"
	"github.com/Corrah/CorrahFlow/internal/relay/extractor"
	"github.com/Corrah/CorrahFlow/internal/relay/httppool"
	"github.com/Corrah/CorrahFlow/internal/relay/keypipe"
	"github.com/Corrah/CorrahFlow/internal/relay/segmentpipe"
)

// poolDialer adapts httppool.Pool — which resolves a session per
// destination URL — to the single-method Dialer interface every relay
// package expects (segmentpipe.Dialer, keypipe.Dialer, extractor.Dialer).
type poolDialer struct {
	pool *httppool.Pool
}

func (d *poolDialer) Do(req *http.Request) (*http.Response, error) {
	client, _ := d.pool.Acquire(req.URL.String())
	return client.Do(req)
}

// RelayHandler serves the streaming data-plane endpoints of spec.md §6:
// HLS/MPD manifest rewriting, raw stream proxying, key/license relay,
// segment relay, and CENC decrypt+remux.
type RelayHandler struct {
	cfg      *config.Config
	pool     *httppool.Pool
	registry *extractor.Registry
	segments *segmentpipe.Pipeline
	keys     *keypipe.Relay
	logger   *slog.Logger
}

// NewRelayHandler builds a RelayHandler. segments and keys must already be
// wired to a Dialer that routes through pool (see cmd/corrahflow's wiring).
func NewRelayHandler(cfg *config.Config, pool *httppool.Pool, registry *extractor.Registry, segments *segmentpipe.Pipeline, keys *keypipe.Relay, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{cfg: cfg, pool: pool, registry: registry, segments: segments, keys: keys, logger: logger}
}

// Register mounts the relay's raw (non-huma) routes on r.
func (h *RelayHandler) Register(r chi.Router) {
	r.Get("/proxy/hls/manifest.m3u8", h.HandleHLSManifest)
	r.Get("/proxy/mpd/manifest.m3u8", h.HandleMPDManifest)
	r.Get("/proxy/stream", h.HandleStreamProxy)
	r.Get("/key", h.HandleKey)
	r.Get("/license", h.HandleLicense)
	r.Post("/license", h.HandleLicense)
	r.Get("/segment/{name}", h.HandleSegment)
	r.Get("/decrypt/segment.mp4", h.HandleDecryptSegment)
	r.Post("/decrypt/segment.mp4", h.HandleDecryptSegment)
}

// extractForwardedHeaders collects every h_<name> query parameter into a
// canonical-cased header map, the inverse of hlsrewrite's buildProxyURL
// convention.
func extractForwardedHeaders(query url.Values) map[string]string {
	headers := make(map[string]string)
	for key, values := range query {
		name, ok := strings.CutPrefix(key, "h_")
		if !ok || len(values) == 0 {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = values[0]
	}
	return headers
}

// buildExtraParams re-serializes headers and apiPassword into the
// "&h_name=value...&api_password=..." suffix hlsrewrite/mpdconv append to
// every rewritten URI, so recursively generated links carry the same
// forwarded context as the request that produced them.
func buildExtraParams(headers map[string]string, apiPassword string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString("&h_")
		b.WriteString(strings.ToLower(name))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(headers[name]))
	}
	if apiPassword != "" {
		b.WriteString("&api_password=")
		b.WriteString(url.QueryEscape(apiPassword))
	}
	return b.String()
}

// proxyBaseFor derives this server's own externally visible scheme+host
// from the incoming request, honoring a reverse proxy's X-Forwarded-Proto.
func proxyBaseFor(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
