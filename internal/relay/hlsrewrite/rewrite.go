// Package hlsrewrite rewrites every child URI of an HLS playlist so it
// points back at this proxy, per spec.md §4.4.
//
// Grounded on original_source/utils/mpd_converter.py's URL-resolution idiom
// (BaseURL/relative-URI handling) and spec.md §3's HLSPlaylist line-oriented
// model; the original codebase's HLS-rewrite service
// (original_source/services/hls_proxy.py) is referenced for the endpoint
// query-parameter convention (d=, h_*, api_password).
package hlsrewrite

import (
	"bufio"
	"net/url"
	"path"
	"sort"
	"strings"
	"unicode/utf8"
)

// Endpoint identifies which proxy path a rewritten URI should target.
type Endpoint string

const (
	EndpointHLSManifest Endpoint = "proxy/hls/manifest.m3u8"
	EndpointSegment     Endpoint = "segment"
	EndpointKey         Endpoint = "key"
	EndpointMPD         Endpoint = "proxy/mpd/manifest.m3u8"
)

var binarySegmentExtensions = map[string]bool{
	".ts":   true,
	".m4s":  true,
	".mp4":  true,
	".aac":  true,
	".m4a":  true,
	".m4v":  true,
	".cmfv": true,
	".cmfa": true,
}

// Options configures a single Rewrite call.
type Options struct {
	// ManifestText is the upstream playlist body.
	ManifestText string
	// UpstreamURL is the absolute URL the manifest was fetched from; relative
	// URIs in the manifest are resolved against it.
	UpstreamURL string
	// ProxyBase is the scheme+host the rewritten URIs should target.
	ProxyBase string
	// Headers are forwarded as h_<name> query parameters on every rewritten URI.
	Headers map[string]string
	// APIPassword, when non-empty, is appended as api_password= on every
	// rewritten URI.
	APIPassword string
}

// Rewrite parses opts.ManifestText line by line and rewrites every
// URI-bearing line to route back through this proxy. Non-UTF-8 bodies are
// the caller's responsibility to detect (see IsValidUTF8) before calling
// Rewrite; Rewrite itself assumes text input.
func Rewrite(opts Options) (string, error) {
	base, err := url.Parse(opts.UpstreamURL)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(opts.ManifestText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			out.WriteString(rewriteAttrLine(line, "URI", base, opts, keyURIBuilder))
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			out.WriteString(rewriteAttrLine(line, "URI", base, opts, segmentURIBuilder))
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			out.WriteString(rewriteAttrLine(line, "URI", base, opts, manifestURIBuilder))
		case strings.HasPrefix(line, "#"), strings.TrimSpace(line) == "":
			out.WriteString(line)
		default:
			// A bare URI line: a variant (.m3u8), an MPD (.mpd), or a segment,
			// dispatched purely by file extension per spec.md §4.4.
			out.WriteString(rewriteBareURI(line, base, opts))
		}
		out.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// IsValidUTF8 reports whether body decodes as UTF-8, per spec.md §4.4's
// "bodies that fail UTF-8 decode are treated as opaque binary" rule.
func IsValidUTF8(body []byte) bool {
	return utf8.Valid(body)
}

// IsMaskedManifest detects a playlist served with a misleading content-type
// (text/css) whose body is nonetheless an HLS playlist, per spec.md §4.4.
func IsMaskedManifest(contentType string, body []byte) bool {
	if !strings.Contains(contentType, "css") {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(body)), "#EXTM3U")
}

type uriBuilder func(proxyBase string, resolved *url.URL, headers map[string]string, apiPassword string) string

func rewriteAttrLine(line, attr string, base *url.URL, opts Options, builder uriBuilder) string {
	marker := attr + `="`
	idx := strings.Index(line, marker)
	if idx < 0 {
		return line
	}
	start := idx + len(marker)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return line
	}
	rawURI := line[start : start+end]

	resolved, err := base.Parse(rawURI)
	if err != nil {
		return line
	}

	rewritten, ok := reencodeIfProxied(resolved, opts.ProxyBase)
	if !ok {
		rewritten = builder(opts.ProxyBase, resolved, opts.Headers, opts.APIPassword)
	}

	return line[:start] + rewritten + line[start+end:]
}

func rewriteBareURI(line string, base *url.URL, opts Options) string {
	trimmed := strings.TrimSpace(line)
	resolved, err := base.Parse(trimmed)
	if err != nil {
		return line
	}

	if alreadyProxied, ok := reencodeIfProxied(resolved, opts.ProxyBase); ok {
		return alreadyProxied
	}

	ext := strings.ToLower(path.Ext(resolved.Path))
	switch {
	case ext == ".m3u8":
		return manifestURIBuilder(opts.ProxyBase, resolved, opts.Headers, opts.APIPassword)
	case ext == ".mpd":
		return mpdURIBuilder(opts.ProxyBase, resolved, opts.Headers, opts.APIPassword)
	case binarySegmentExtensions[ext]:
		return segmentURIBuilder(opts.ProxyBase, resolved, opts.Headers, opts.APIPassword)
	default:
		// Unknown extension (e.g. extensionless CDN segment path): still a
		// segment per spec.md §4.4's "known binary segment extensions →
		// segment endpoint", defaulting unrecognized paths to the segment
		// rule rather than dropping the line.
		return segmentURIBuilder(opts.ProxyBase, resolved, opts.Headers, opts.APIPassword)
	}
}

// reencodeIfProxied reports whether resolved already targets proxyBase
// (i.e. this line was already rewritten by a prior pass). When it is, the
// line is returned unchanged except for canonicalizing the "d=" value's
// percent-encoding, satisfying spec.md §8 invariant 5 ("rewrite(P) is a
// fixed point up to idempotent percent-encoding of d=") without nesting the
// proxy URL inside itself.
func reencodeIfProxied(resolved *url.URL, proxyBase string) (string, bool) {
	proxy, err := url.Parse(proxyBase)
	if err != nil || proxy.Host == "" || resolved.Host != proxy.Host {
		return "", false
	}

	// Only the d= value is re-encoded (decode then encode canonicalizes its
	// percent-encoding); every other parameter keeps its position and text.
	parts := strings.Split(resolved.RawQuery, "&")
	for i, part := range parts {
		if d, ok := strings.CutPrefix(part, "d="); ok {
			if decoded, err := url.QueryUnescape(d); err == nil {
				parts[i] = "d=" + url.QueryEscape(decoded)
			}
		}
	}
	resolved.RawQuery = strings.Join(parts, "&")
	return resolved.String(), true
}

func manifestURIBuilder(proxyBase string, resolved *url.URL, headers map[string]string, apiPassword string) string {
	return buildProxyURL(proxyBase, string(EndpointHLSManifest), resolved.String(), headers, apiPassword, "")
}

func mpdURIBuilder(proxyBase string, resolved *url.URL, headers map[string]string, apiPassword string) string {
	return buildProxyURL(proxyBase, string(EndpointMPD), resolved.String(), headers, apiPassword, "")
}

func segmentURIBuilder(proxyBase string, resolved *url.URL, headers map[string]string, apiPassword string) string {
	return buildProxyURL(proxyBase, string(EndpointSegment), resolved.String(), headers, apiPassword, "")
}

func keyURIBuilder(proxyBase string, resolved *url.URL, headers map[string]string, apiPassword string) string {
	return buildProxyURL(proxyBase, string(EndpointKey), "", headers, apiPassword, resolved.String())
}

// buildProxyURL assembles "<proxyBase>/<endpoint>?d=<dest>&h_<name>=<value>...&api_password=...".
// When keyURL is non-empty (the key endpoint), it is carried as key_url=
// instead of d=, per spec.md §4.4's "#EXT-X-KEY ... the original key URL is
// passed via key_url=" rule.
func buildProxyURL(proxyBase, endpoint, dest string, headers map[string]string, apiPassword, keyURL string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(proxyBase, "/"))
	b.WriteString("/")
	b.WriteString(endpoint)
	b.WriteString("?")

	if keyURL != "" {
		b.WriteString("key_url=")
		b.WriteString(url.QueryEscape(keyURL))
	} else {
		b.WriteString("d=")
		b.WriteString(url.QueryEscape(dest))
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
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
