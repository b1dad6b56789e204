package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/Corrah/CorrahFlow/internal/relay/hlsrewrite"
	"github.com/Corrah/CorrahFlow/internal/relay/mpdconv"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// fetchManifest GETs destURL through the egress pool with the given
// forwarded headers and returns the body and the post-redirect URL it was
// ultimately served from.
func (h *RelayHandler) fetchManifest(r *http.Request, destURL string, headers map[string]string) (body []byte, upstreamURL string, err error) {
	body, _, upstreamURL, err = h.fetchUpstreamFull(r, destURL, headers)
	return body, upstreamURL, err
}

// fetchUpstreamFull GETs destURL through the egress pool, buffering the
// full body (classification needs to inspect it, e.g. the masked-manifest
// CSS-content-type case) and returning the response headers and the
// post-redirect URL it was ultimately served from.
func (h *RelayHandler) fetchUpstreamFull(r *http.Request, destURL string, headers map[string]string) (body []byte, respHeader http.Header, upstreamURL string, err error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, destURL, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("handlers: building upstream request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client, _ := h.pool.Acquire(destURL)
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, "", &rerror.TransientUpstreamError{URL: destURL, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, "", fmt.Errorf("handlers: reading upstream body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, "", &rerror.UpstreamError{URL: destURL, Status: resp.StatusCode, Body: body}
	}

	upstreamURL = destURL
	if resp.Request != nil && resp.Request.URL != nil {
		upstreamURL = resp.Request.URL.String()
	}
	return body, resp.Header, upstreamURL, nil
}

// HandleHLSManifest serves GET /proxy/hls/manifest.m3u8, per spec.md §4.4.
func (h *RelayHandler) HandleHLSManifest(w http.ResponseWriter, r *http.Request) {
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

	body, upstreamURL, err := h.fetchManifest(r, destURL, headers)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	if !hlsrewrite.IsValidUTF8(body) {
		w.Header().Set("Content-Type", "video/MP2T")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	rewritten, err := hlsrewrite.Rewrite(hlsrewrite.Options{
		ManifestText: string(body),
		UpstreamURL:  upstreamURL,
		ProxyBase:    proxyBaseFor(r),
		Headers:      headers,
		APIPassword:  h.cfg.Proxy.APIPassword,
	})
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, fmt.Errorf("handlers: rewriting manifest: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rewritten))
}

// HandleMPDManifest serves GET /proxy/mpd/manifest.m3u8, per spec.md §4.5.
// Absent rep_id it returns the master playlist; with rep_id it returns the
// media playlist for that representation.
func (h *RelayHandler) HandleMPDManifest(w http.ResponseWriter, r *http.Request) {
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

	body, upstreamURL, err := h.fetchManifest(r, destURL, headers)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	mpd, err := mpdconv.Parse(body)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "d", Reason: "upstream body is not a valid MPD"})
		return
	}

	proxyBase := proxyBaseFor(r)
	extraParams := buildExtraParams(headers, h.cfg.Proxy.APIPassword)
	repID := query.Get("rep_id")

	if repID == "" {
		playlist := mpdconv.ConvertMaster(mpd, mpdconv.MasterOptions{
			ProxyBase:   proxyBase + "/proxy/mpd/manifest.m3u8",
			OriginalURL: upstreamURL,
			ExtraParams: extraParams,
		})
		writeM3U8(w, playlist)
		return
	}

	clearKey, err := resolveClearKey(query)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "clearkey", Reason: err.Error()})
		return
	}

	playlist, err := mpdconv.ConvertMedia(mpd, repID, mpdconv.MediaOptions{
		ProxyBase:   proxyBase,
		OriginalURL: upstreamURL,
		ExtraParams: extraParams,
		ClearKey:    clearKey,
		DVRWindow:   h.cfg.Relay.DVRWindowDefault,
	})
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "rep_id", Reason: err.Error()})
		return
	}
	writeM3U8(w, playlist)
}

// resolveClearKey reads query's ClearKey request in either of its two forms:
// a single "clearkey=KID:KEY" parameter, or the "key_id="+"key=" pair.
func resolveClearKey(query map[string][]string) (*mpdconv.ClearKeyParam, error) {
	if raw := firstValue(query, "clearkey"); raw != "" {
		return mpdconv.ParseClearKeyParam(raw)
	}
	keyID, key := firstValue(query, "key_id"), firstValue(query, "key")
	if keyID == "" || key == "" {
		return nil, nil
	}
	return &mpdconv.ClearKeyParam{KID: keyID, Key: key}, nil
}

func firstValue(query map[string][]string, name string) string {
	values := query[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func writeM3U8(w http.ResponseWriter, playlist string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(playlist))
}
