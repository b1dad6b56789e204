package segmentpipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/Corrah/CorrahFlow/internal/relay/cenc"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// Dialer performs a single outbound HTTP request. Narrowed so this package
// never needs to import the egress pool directly, matching the same idiom
// used by extractor.Dialer and keypipe.Dialer.
type Dialer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DecryptFunc matches cenc.Decrypt's signature. Injected so tests can stub
// the decryptor without building real fMP4 fixtures for every case.
type DecryptFunc func(combined []byte, keys cenc.KeyMap) ([]byte, error)

const streamChunkSize = 8 * 1024

var segmentDeniedHeaders = map[string]bool{
	"x-forwarded-for": true,
	"x-real-ip":       true,
	"forwarded":       true,
	"via":             true,
}

var cacheValidatorHeaders = map[string]bool{
	"range":               true,
	"if-none-match":       true,
	"if-modified-since":   true,
	"if-match":            true,
	"if-unmodified-since": true,
}

// forwardHeaders builds the outbound header set: denied headers are always
// dropped, cache-validator headers are additionally dropped when the
// target is a redirector, and everything kept is normalized to canonical
// case, per spec.md §4.6.
func forwardHeaders(headers map[string]string, stripForRedirector bool) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if segmentDeniedHeaders[lower] {
			continue
		}
		if stripForRedirector && cacheValidatorHeaders[lower] {
			continue
		}
		out[http.CanonicalHeaderKey(lower)] = v
	}
	return out
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// Pipeline fetches, decrypts, remuxes, caches, and prefetches media
// segments.
type Pipeline struct {
	dialer    Dialer
	decryptFn DecryptFunc
	remuxer   Remuxer // nil: no remux is attempted, raw fMP4 is always served
	cache     *SegmentCache
	initCache *InitCache
	logger    *slog.Logger
	pending   *pendingSet
}

// New builds a Pipeline. remuxer may be nil, in which case CENC segments
// are always served as raw decrypted fMP4.
func New(dialer Dialer, decryptFn DecryptFunc, remuxer Remuxer, cache *SegmentCache, initCache *InitCache, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		dialer:    dialer,
		decryptFn: decryptFn,
		remuxer:   remuxer,
		cache:     cache,
		initCache: initCache,
		logger:    logger,
		pending:   newPendingSet(),
	}
}

// SegmentRequest describes a plain (unencrypted) segment fetch.
type SegmentRequest struct {
	URL          string
	Headers      map[string]string
	IsRedirector bool
}

// PlainResult is a streamable plain-segment response. Body must be closed
// by the caller.
type PlainResult struct {
	Body               io.ReadCloser
	ContentType        string
	ContentDisposition string
}

// FetchPlain GETs req.URL with the forwarded-header policy applied, forcing
// video/MP2T for .ts paths and attaching a Content-Disposition, per
// spec.md §4.6's plain-segment rule. The response body is not buffered: the
// caller streams it with CopyChunked.
func (p *Pipeline) FetchPlain(ctx context.Context, req SegmentRequest) (PlainResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return PlainResult{}, fmt.Errorf("segmentpipe: building segment request: %w", err)
	}
	applyHeaders(httpReq, forwardHeaders(req.Headers, req.IsRedirector))

	resp, err := p.dialer.Do(httpReq)
	if err != nil {
		return PlainResult{}, &rerror.TransientUpstreamError{URL: req.URL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return PlainResult{}, &rerror.UpstreamError{URL: req.URL, Status: resp.StatusCode, Body: body}
	}

	contentType := resp.Header.Get("Content-Type")
	name := path.Base(req.URL)
	if strings.HasSuffix(strings.ToLower(name), ".ts") {
		contentType = "video/MP2T"
	}

	return PlainResult{
		Body:               resp.Body,
		ContentType:        contentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
	}, nil
}

// CopyChunked streams src to dst in streamChunkSize (8 KiB) chunks, per
// spec.md §4.6's streaming-writer rule.
func CopyChunked(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, streamChunkSize)
	return io.CopyBuffer(dst, src, buf)
}

func (p *Pipeline) fetchBytes(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("segmentpipe: building request for %s: %w", url, err)
	}
	applyHeaders(httpReq, headers)

	resp, err := p.dialer.Do(httpReq)
	if err != nil {
		return nil, &rerror.TransientUpstreamError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &rerror.UpstreamError{URL: url, Status: resp.StatusCode, Body: body}
	}
	return io.ReadAll(resp.Body)
}

// trailingNumberPattern matches a path's final segment as
// <prefix><digits><ext>, e.g. "segment_1035.m4s" → ("segment_", "1035", ".m4s").
var trailingNumberPattern = regexp.MustCompile(`^(.*?)(\d+)(\.[A-Za-z0-9]+)$`)

// NextSegmentURLs derives the next n sequential segment URLs following
// currentURL, preserving zero-padding width, per spec.md §4.6's prefetch
// rule ("a segment whose path ends with …<sep><N><ext>"). Returns nil if
// the final path segment carries no trailing number.
func NextSegmentURLs(currentURL string, n int) []string {
	slash := strings.LastIndex(currentURL, "/")
	dir, file := currentURL[:slash+1], currentURL[slash+1:]

	m := trailingNumberPattern.FindStringSubmatch(file)
	if m == nil {
		return nil
	}
	prefix, numStr, ext := m[1], m[2], m[3]
	width := len(numStr)
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return nil
	}

	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%s%s%0*d%s", dir, prefix, width, num+i, ext))
	}
	return out
}
