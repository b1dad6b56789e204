package handlers

import (
	"io"
	"net/http"

	"github.com/Corrah/CorrahFlow/internal/relay/keypipe"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// HandleKey serves GET /key, relaying AES-128 key bytes from either a
// static_key hex parameter or a remote key_url, per spec.md §4.7.
func (h *RelayHandler) HandleKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkAPIPassword(r, h.cfg.Proxy.APIPassword); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	query := r.URL.Query()
	headers := extractForwardedHeaders(query)

	var result keypipe.KeyResult
	var err error
	if staticKey := query.Get("static_key"); staticKey != "" {
		result, err = keypipe.FetchStaticKey(staticKey)
	} else if keyURL := query.Get("key_url"); keyURL != "" {
		result, err = h.keys.FetchRemoteKey(ctx, keyURL, headers, query.Get("channel_url"))
	} else {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "key_url", Reason: "static_key or key_url is required"})
		return
	}
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// HandleLicense serves GET/POST /license, per spec.md §4.7. GET with a
// clearkey parameter synthesizes a ClearKey JWK set; otherwise the request
// (GET or POST) is proxied upstream to the license server named by the url
// parameter.
func (h *RelayHandler) HandleLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkAPIPassword(r, h.cfg.Proxy.APIPassword); err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	query := r.URL.Query()
	if clearkey := query.Get("clearkey"); clearkey != "" {
		jwk, err := keypipe.BuildClearKeyJWK(clearkey)
		if err != nil {
			rerror.WriteHTTP(ctx, h.logger, w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jwk)
		return
	}

	licenseURL := query.Get("url")
	if licenseURL == "" {
		rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "url", Reason: "clearkey or url is required"})
		return
	}

	headers := extractForwardedHeaders(query)
	var body []byte
	if r.Method == http.MethodPost {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			rerror.WriteHTTP(ctx, h.logger, w, &rerror.BadRequestError{Param: "body", Reason: "could not read request body"})
			return
		}
	}

	result, err := h.keys.ProxyLicense(ctx, r.Method, licenseURL, headers, r.Header.Get("Content-Type"), body)
	if err != nil {
		rerror.WriteHTTP(ctx, h.logger, w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}
