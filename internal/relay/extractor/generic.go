package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Dialer performs a single outbound HTTP request. It is satisfied by
// *httpclient.Client's StandardClient() or any http.Client-shaped type;
// kept as a narrow interface here so this package never imports the egress
// pool directly (accept interfaces, return structs).
type Dialer interface {
	Do(req *http.Request) (*http.Response, error)
}

const handshakeTimeout = 15 * time.Second

// defaultUserAgent is injected when no caller-supplied User-Agent passes the
// browser-marker check. Grounded on generic.py's Chrome UA string.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// knownRedirectorTokens identifies hosts that hand off through a one-time
// redirect handshake rather than serving content directly.
var knownRedirectorTokens = []string{"/resolve/", "torrentio"}

// strippedProviderTokens identifies providers whose own Referer/Origin must
// not leak through to a redirector target.
var strippedProviderTokens = []string{"pcdn", "cssott"}

var alwaysDeniedHeaders = map[string]bool{
	"x-forwarded-for": true,
	"x-real-ip":       true,
	"forwarded":       true,
	"via":             true,
}

var passthroughAllowedHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-auth-token":   true,
	"cookie":         true,
	"x-channel-key":  true,
}

// GenericExtractor handles any URL not claimed by a site-specific extractor.
// Grounded on original_source/extractors/generic.py.
type GenericExtractor struct {
	primary   Dialer // may route through an outbound proxy
	direct    Dialer // always direct; nil if no proxy pool is configured
	hasPool   bool
	logger    *slog.Logger
}

// NewGenericExtractor builds a GenericExtractor. direct may be nil when
// hasPool is false: in that case the fallback attempt is skipped.
func NewGenericExtractor(primary, direct Dialer, hasPool bool, logger *slog.Logger) *GenericExtractor {
	return &GenericExtractor{primary: primary, direct: direct, hasPool: hasPool, logger: logger}
}

// Extract resolves url into a StreamDescriptor. forceRefresh has no effect
// for the generic extractor: it holds no internal cache to bypass.
func (g *GenericExtractor) Extract(ctx context.Context, rawURL string, forceRefresh bool) (StreamDescriptor, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return StreamDescriptor{}, fmt.Errorf("extractor: parsing url: %w", err)
	}

	isRedirector := isRedirectorURL(rawURL)
	headers := defaultHeaders(parsed, isRedirector)

	if isRedirector {
		resolved, err := g.resolveHandshake(ctx, rawURL, headers)
		if err != nil {
			return StreamDescriptor{}, err
		}
		return StreamDescriptor{
			DestinationURL: resolved,
			RequestHeaders: headers,
			EndpointKind:   EndpointHLSProxy,
		}, nil
	}

	return StreamDescriptor{
		DestinationURL: rawURL,
		RequestHeaders: headers,
		EndpointKind:   EndpointHLSProxy,
	}, nil
}

// Close releases no resources: the generic extractor owns no state beyond
// the Dialers it was constructed with, which the registry owns.
func (g *GenericExtractor) Close() error { return nil }

// MergeHeaders applies spec.md §4.3's header merge rules to the caller's
// supplied headers against a base header set, returning the result. Exported
// so the Stream Proxy handler can reuse the same rules for non-extractor
// request paths.
func MergeHeaders(base map[string]string, caller map[string]string, isRedirector bool) map[string]string {
	merged := make(map[string]string, len(base)+len(caller))
	for k, v := range base {
		merged[k] = v
	}

	for rawKey, v := range caller {
		key := strings.ToLower(rawKey)
		if alwaysDeniedHeaders[key] {
			continue
		}
		switch key {
		case "user-agent":
			if containsBrowserMarker(v) {
				merged["User-Agent"] = v
			}
		case "referer", "origin":
			if isRedirector && hasStrippedProviderToken(v) {
				continue
			}
			merged[canonicalHeaderName(key)] = v
		default:
			if passthroughAllowedHeaders[key] {
				merged[canonicalHeaderName(key)] = v
			}
		}
	}
	return merged
}

func canonicalHeaderName(lower string) string {
	return http.CanonicalHeaderKey(lower)
}

func containsBrowserMarker(ua string) bool {
	lower := strings.ToLower(ua)
	return strings.Contains(lower, "chrome") || strings.Contains(lower, "applewebkit")
}

func hasStrippedProviderToken(value string) bool {
	lower := strings.ToLower(value)
	for _, token := range strippedProviderTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func isRedirectorURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, token := range knownRedirectorTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// IsRedirectorURL reports whether rawURL hands off through a one-time
// redirect handshake rather than serving content directly. Exported so
// other relay packages (segmentpipe, the HTTP handlers) can apply the same
// classification when deciding which headers to strip.
func IsRedirectorURL(rawURL string) bool {
	return isRedirectorURL(rawURL)
}

// defaultHeaders computes the safe default header set: browser UA, Accept,
// Accept-Language, and a Referer/Origin appropriate to whether the target
// is a redirector.
func defaultHeaders(target *url.URL, isRedirector bool) map[string]string {
	headers := map[string]string{
		"User-Agent":      defaultUserAgent,
		"Accept":          "*/*",
		"Accept-Language": "it,en;q=0.8",
	}
	if isRedirector {
		// Redirectors (e.g. torrentio) expect a neutral app referer, not
		// the proxy's own origin.
		headers["Referer"] = "https://strem.io/"
		headers["Origin"] = "https://strem.io"
		return headers
	}
	scheme, host := target.Scheme, target.Host
	if scheme != "" && host != "" {
		headers["Referer"] = scheme + "://" + host + "/"
		headers["Origin"] = scheme + "://" + host
	}
	return headers
}

// resolveHandshake performs the single-hop manual redirect resolution:
// a GET with redirects disabled, expecting a 3xx with Location. The primary
// (possibly proxied) session is tried first; on failure, a direct session is
// tried if a proxy pool is configured.
func (g *GenericExtractor) resolveHandshake(ctx context.Context, targetURL string, headers map[string]string) (string, error) {
	location, err := g.attemptHandshake(ctx, g.primary, targetURL, headers)
	if err == nil {
		return location, nil
	}
	if g.logger != nil {
		g.logger.Warn("redirector handshake failed via primary session", slog.String("url", targetURL), slog.String("error", err.Error()))
	}

	if g.hasPool && g.direct != nil {
		location, directErr := g.attemptHandshake(ctx, g.direct, targetURL, headers)
		if directErr == nil {
			return location, nil
		}
		if g.logger != nil {
			g.logger.Warn("redirector handshake failed via direct fallback", slog.String("url", targetURL), slog.String("error", directErr.Error()))
		}
		return "", fmt.Errorf("extractor: redirector handshake failed: %w", directErr)
	}

	return "", fmt.Errorf("extractor: redirector handshake failed: %w", err)
}

func (g *GenericExtractor) attemptHandshake(ctx context.Context, dialer Dialer, targetURL string, headers map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("building handshake request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := dialer.Do(req)
	if err != nil {
		return "", fmt.Errorf("handshake request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("handshake: expected 3xx, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("handshake: 3xx response missing Location")
	}

	base, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("handshake: parsing original url: %w", err)
	}
	resolved, err := base.Parse(location)
	if err != nil {
		return "", fmt.Errorf("handshake: resolving Location: %w", err)
	}
	return resolved.String(), nil
}
