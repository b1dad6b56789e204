package handlers

import (
	"encoding/hex"
	"net/http"

	"github.com/Corrah/CorrahFlow/internal/relay/cenc"
	"github.com/Corrah/CorrahFlow/internal/relay/extractor"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
	"github.com/Corrah/CorrahFlow/internal/relay/segmentpipe"
)

// HandleSegment serves GET /segment/{name}, relaying a plain (unencrypted)
// segment streamed from base_url, per spec.md §4.6. The {name} path
// parameter is cosmetic: base_url is always the full absolute segment URL,
// matching how mpdconv's media-playlist converter builds these links.
func (h *RelayHandler) HandleSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkAPIPassword(r, h.cfg.Proxy.APIPassword); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	query := r.URL.Query()
	baseURL := query.Get("base_url")
	if baseURL == "" {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "base_url", Reason: "required"})
		return
	}
	headers := extractForwardedHeaders(query)

	result, err := h.segments.FetchPlain(ctx, segmentpipe.SegmentRequest{
		URL:          baseURL,
		Headers:      headers,
		IsRedirector: extractor.IsRedirectorURL(baseURL),
	})
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", result.ContentDisposition)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if _, err := segmentpipe.CopyChunked(w, result.Body); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.ClientDisconnected{Err: err})
	}
}

// HandleDecryptSegment serves GET/POST /decrypt/segment.mp4, the CENC
// ClearKey decrypt+remux pipeline's entry point, per spec.md §4.7.
// skip_decrypt=1 bypasses decrypt/remux/cache entirely, serving the raw
// init‖segment concatenation — an escape hatch for callers that already
// hold cleartext content or want to inspect the undecrypted fMP4.
func (h *RelayHandler) HandleDecryptSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkAPIPassword(r, h.cfg.Proxy.APIPassword); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	query := r.URL.Query()
	segURL := query.Get("url")
	initURL := query.Get("init_url")
	if segURL == "" || initURL == "" {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "url", Reason: "url and init_url are both required"})
		return
	}
	keyHex := query.Get("key")
	keyIDHex := query.Get("key_id")
	if keyHex == "" || keyIDHex == "" {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "key", Reason: "key and key_id are both required"})
		return
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "key", Reason: "must be hex-encoded"})
		return
	}

	headers := extractForwardedHeaders(query)
	cencReq := segmentpipe.CENCRequest{
		InitURL:      initURL,
		SegmentURL:   segURL,
		Headers:      headers,
		IsRedirector: extractor.IsRedirectorURL(segURL),
		KeyID:        keyIDHex,
		Keys:         cenc.KeyMap{keyIDHex: keyBytes},
	}

	if query.Get("skip_decrypt") == "1" {
		body, err := h.segments.FetchRaw(ctx, cencReq)
		if err != nil {
			rerror.WriteHTTP(ctx, h.logger, w, err)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	result, err := h.segments.FetchCENC(ctx, cencReq)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}
