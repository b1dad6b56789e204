// Package keypipe relays AES-128 key bytes and synthesizes/proxies DRM
// license responses, per spec.md §4.7.
//
// Grounded on original_source/services/hls_proxy.py's handle_key_request
// (static key passthrough, h_* header forwarding with Range stripped,
// pre-key heartbeat, upstream-cache-invalidation-on-failure hook) and
// handle_license_request (ClearKey JWK synthesis, license-proxy passthrough).
package keypipe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// defaultUserAgent is injected when the caller forwards no User-Agent,
// matching hls_proxy.py's DEFAULT_USER_AGENT.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// Dialer performs a single outbound HTTP request. Narrowed to the one
// method this package needs so it never has to import the egress pool
// directly (accept interfaces, return structs).
type Dialer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheInvalidator is the optional hook invoked when a key fetch fails, so
// the caller's extractor registry can drop a now-stale cached descriptor
// for the originating channel URL.
type CacheInvalidator interface {
	InvalidateCacheForURL(ctx context.Context, channelURL string) error
}

// Relay fetches AES-128 key bytes and serves/proxies DRM license requests.
type Relay struct {
	dialer      Dialer
	logger      *slog.Logger
	invalidator CacheInvalidator
}

// New builds a Relay. invalidator may be nil: the automatic cache
// invalidation on key-fetch failure is then skipped.
func New(dialer Dialer, logger *slog.Logger, invalidator CacheInvalidator) *Relay {
	return &Relay{dialer: dialer, logger: logger, invalidator: invalidator}
}

// KeyResult is a successfully relayed AES-128 key response.
type KeyResult struct {
	Body        []byte
	ContentType string
}

// FetchStaticKey decodes a hex-encoded static_key query value into raw key
// bytes, per spec.md §4.7's static_key mode.
func FetchStaticKey(hexKey string) (KeyResult, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return KeyResult{}, &rerror.BadRequestError{Param: "static_key", Reason: "not valid hex"}
	}
	return KeyResult{Body: raw, ContentType: "application/octet-stream"}, nil
}

// FetchRemoteKey GETs keyURL with the given forwarded headers (already
// filtered to h_* params by the caller), stripping Range and normalizing
// User-Agent, and performs an optional pre-key heartbeat when a
// Heartbeat-Url header is present. originalChannelURL, if non-empty, is
// passed to the configured CacheInvalidator on a non-2xx key response.
func (r *Relay) FetchRemoteKey(ctx context.Context, keyURL string, headers map[string]string, originalChannelURL string) (KeyResult, error) {
	forwarded := normalizeKeyHeaders(headers)

	heartbeatURL, clientToken := popHeartbeatParams(forwarded)
	if heartbeatURL != "" {
		r.sendHeartbeat(ctx, heartbeatURL, forwarded, clientToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return KeyResult{}, fmt.Errorf("keypipe: building key request: %w", err)
	}
	applyHeaders(req, forwarded)

	resp, err := r.dialer.Do(req)
	if err != nil {
		return KeyResult{}, &rerror.TransientUpstreamError{URL: keyURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(resp.Body)
		if r.invalidator != nil && originalChannelURL != "" {
			if err := r.invalidator.InvalidateCacheForURL(ctx, originalChannelURL); err != nil && r.logger != nil {
				r.logger.WarnContext(ctx, "cache invalidation after key fetch failure errored",
					slog.String("channel_url", originalChannelURL), slog.String("error", err.Error()))
			}
		}
		return KeyResult{}, &rerror.UpstreamError{URL: keyURL, Status: resp.StatusCode, Body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return KeyResult{}, fmt.Errorf("keypipe: reading key response body: %w", err)
	}
	return KeyResult{Body: body, ContentType: "application/octet-stream"}, nil
}

// normalizeKeyHeaders copies headers with Range removed and a default
// User-Agent applied when absent, per spec.md §4.7.
func normalizeKeyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	hasUA := false
	for k, v := range headers {
		if strings.EqualFold(k, "range") {
			continue
		}
		if strings.EqualFold(k, "user-agent") {
			hasUA = true
		}
		out[k] = v
	}
	if !hasUA {
		out["User-Agent"] = defaultUserAgent
	}
	return out
}

// popHeartbeatParams removes Heartbeat-Url and X-Client-Token from headers
// (they are routing instructions for this relay, never forwarded as
// literal headers to the key endpoint) and returns their values.
func popHeartbeatParams(headers map[string]string) (heartbeatURL, clientToken string) {
	for k := range headers {
		switch {
		case strings.EqualFold(k, "heartbeat-url"):
			heartbeatURL = headers[k]
			delete(headers, k)
		case strings.EqualFold(k, "x-client-token"):
			clientToken = headers[k]
			delete(headers, k)
		}
	}
	return heartbeatURL, clientToken
}

// sendHeartbeat performs a best-effort GET to heartbeatURL before the key
// fetch, to establish a provider session (e.g. DLHD-style channel auth).
// Failures are logged and otherwise ignored, per spec.md §4.7.
func (r *Relay) sendHeartbeat(ctx context.Context, heartbeatURL string, forwarded map[string]string, clientToken string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, heartbeatURL, nil)
	if err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "pre-key heartbeat request build failed", slog.String("error", err.Error()))
		}
		return
	}
	req.Header.Set("Authorization", forwarded["Authorization"])
	req.Header.Set("X-Channel-Key", forwarded["X-Channel-Key"])
	req.Header.Set("Referer", forwarded["Referer"])
	req.Header.Set("Origin", forwarded["Origin"])
	req.Header.Set("X-Client-Token", clientToken)
	if ua := forwarded["User-Agent"]; ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := r.dialer.Do(req)
	if err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "pre-key heartbeat failed", slog.String("url", heartbeatURL), slog.String("error", err.Error()))
		}
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain to let the connection be reused
	if r.logger != nil {
		r.logger.InfoContext(ctx, "pre-key heartbeat sent", slog.String("url", heartbeatURL), slog.Int("status", resp.StatusCode))
	}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// jwkKey is one entry of a ClearKey JWK Set response.
type jwkKey struct {
	Kty string `json:"kty"`
	K   string `json:"k"`
	Kid string `json:"kid"`
	Typ string `json:"type"`
}

// jwkSet is the top-level ClearKey license response body.
type jwkSet struct {
	Keys []jwkKey `json:"keys"`
	Typ  string   `json:"type"`
}

// BuildClearKeyJWK synthesizes a ClearKey JWK set from a
// "KID1:KEY1,KID2:KEY2" hex pair list, per spec.md §4.7.
func BuildClearKeyJWK(clearkeyParam string) ([]byte, error) {
	pairs := strings.Split(clearkeyParam, ",")
	set := jwkSet{Typ: "temporary"}
	for _, pair := range pairs {
		kidHex, keyHex, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		kid, err := hex.DecodeString(kidHex)
		if err != nil {
			return nil, &rerror.BadRequestError{Param: "clearkey", Reason: "invalid KID hex"}
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, &rerror.BadRequestError{Param: "clearkey", Reason: "invalid KEY hex"}
		}
		set.Keys = append(set.Keys, jwkKey{
			Kty: "oct",
			K:   base64.RawURLEncoding.EncodeToString(key),
			Kid: base64.RawURLEncoding.EncodeToString(kid),
			Typ: "temporary",
		})
	}
	if len(set.Keys) == 0 {
		return nil, &rerror.BadRequestError{Param: "clearkey", Reason: "no valid KID:KEY pairs found"}
	}
	return json.Marshal(set)
}

// LicenseProxyResult is the relayed response of a license-proxy passthrough
// request.
type LicenseProxyResult struct {
	Status      int
	Body        []byte
	ContentType string
}

// ProxyLicense forwards body to licenseURL with method preserved and the
// caller's forwarded h_* headers plus pass-through content type, per
// spec.md §4.7's license-proxy mode.
func (r *Relay) ProxyLicense(ctx context.Context, method, licenseURL string, headers map[string]string, contentType string, body []byte) (LicenseProxyResult, error) {
	forwarded := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		forwarded[k] = v
	}
	if contentType != "" {
		forwarded["Content-Type"] = contentType
	}
	if _, ok := forwarded["User-Agent"]; !ok {
		forwarded["User-Agent"] = defaultUserAgent
	}

	req, err := http.NewRequestWithContext(ctx, method, licenseURL, bytes.NewReader(body))
	if err != nil {
		return LicenseProxyResult{}, fmt.Errorf("keypipe: building license request: %w", err)
	}
	applyHeaders(req, forwarded)

	resp, err := r.dialer.Do(req)
	if err != nil {
		return LicenseProxyResult{}, &rerror.TransientUpstreamError{URL: licenseURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return LicenseProxyResult{}, fmt.Errorf("keypipe: reading license response body: %w", err)
	}
	return LicenseProxyResult{
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
