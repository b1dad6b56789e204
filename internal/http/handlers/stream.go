package handlers

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/Corrah/CorrahFlow/internal/relay/hlsrewrite"
	"github.com/Corrah/CorrahFlow/internal/relay/mpdconv"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// passthroughHeaders are the upstream response headers relayed verbatim on
// raw stream bytes, per spec.md §4.9.
var passthroughHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges",
	"Last-Modified", "ETag",
}

// HandleStreamProxy serves GET /proxy/stream, classifying the upstream
// response by content-type/URL and dispatching to the Manifest Rewriter,
// MPD→HLS Converter, or raw relay, per spec.md §4.9. The upstream body is
// read in full before classification; the raw branch writes that buffered
// body in a single write and does not stream it in chunks.
func (h *RelayHandler) HandleStreamProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkAPIPassword(r, h.cfg.Proxy.APIPassword); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	query := r.URL.Query()
	destURL := query.Get("d")
	if destURL == "" {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "d", Reason: "required"})
		return
	}
	headers := extractForwardedHeaders(query)

	body, respHeader, upstreamURL, err := h.fetchUpstreamFull(r, destURL, headers)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	contentType := respHeader.Get("Content-Type")
	lowerURL := strings.ToLower(destURL)
	lowerType := strings.ToLower(contentType)

	proxyBase := proxyBaseFor(r)

	switch {
	case strings.Contains(lowerType, "mpegurl"), strings.HasSuffix(lowerURL, ".m3u8"), hlsrewrite.IsMaskedManifest(contentType, body):
		h.serveHLSBody(w, ctx, body, upstreamURL, proxyBase, headers)
	case strings.Contains(lowerType, "dash+xml"), strings.HasSuffix(lowerURL, ".mpd"):
		h.serveMPDBody(w, ctx, body, upstreamURL, proxyBase, headers)
	default:
		h.serveRawBody(w, destURL, respHeader, body)
	}
}

func (h *RelayHandler) serveHLSBody(w http.ResponseWriter, ctx context.Context, body []byte, upstreamURL, proxyBase string, headers map[string]string) {
	if !hlsrewrite.IsValidUTF8(body) {
		w.Header().Set("Content-Type", "video/MP2T")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	rewritten, err := hlsrewrite.Rewrite(hlsrewrite.Options{
		ManifestText: string(body),
		UpstreamURL:  upstreamURL,
		ProxyBase:    proxyBase,
		Headers:      headers,
		APIPassword:  h.cfg.Proxy.APIPassword,
	})
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}
	writeM3U8(w, rewritten)
}

func (h *RelayHandler) serveMPDBody(w http.ResponseWriter, ctx context.Context, body []byte, upstreamURL, proxyBase string, headers map[string]string) {
	mpd, err := mpdconv.Parse(body)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "d", Reason: "upstream body is not a valid MPD"})
		return
	}

	if h.cfg.MPD.Mode == "ffmpeg" {
		w.Header().Set("Content-Type", "application/dash+xml")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	extraParams := buildExtraParams(headers, h.cfg.Proxy.APIPassword)
	playlist := mpdconv.ConvertMaster(mpd, mpdconv.MasterOptions{
		ProxyBase:   proxyBase + "/proxy/mpd/manifest.m3u8",
		OriginalURL: upstreamURL,
		ExtraParams: extraParams,
	})
	writeM3U8(w, playlist)
}

func (h *RelayHandler) serveRawBody(w http.ResponseWriter, destURL string, respHeader http.Header, body []byte) {
	for _, name := range passthroughHeaders {
		if v := respHeader.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if strings.HasSuffix(strings.ToLower(path.Base(destURL)), ".ts") {
		w.Header().Set("Content-Type", "video/MP2T")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
