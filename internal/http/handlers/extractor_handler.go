package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Corrah/CorrahFlow/internal/relay/extractor"
)

var errNotAURL = errors.New("handlers: url parameter is neither plain, percent-encoded, nor base64 http(s) URL")

// ExtractorHandler serves GET /extractor/video, the huma-registered
// extractor dispatch entry point of spec.md §4.3/§4.12.
type ExtractorHandler struct {
	relay *RelayHandler
}

// NewExtractorHandler builds an ExtractorHandler sharing relay's registry
// and configuration.
func NewExtractorHandler(relay *RelayHandler) *ExtractorHandler {
	return &ExtractorHandler{relay: relay}
}

// Register registers GET /extractor/video with api.
func (h *ExtractorHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "extractVideo",
		Method:      "GET",
		Path:        "/extractor/video",
		Summary:     "Resolve a video URL through the extractor registry",
		Description: "Dispatches url to the matching site-specific (or generic) extractor and returns the resolved stream descriptor, or redirects to it when redirect_stream is true.",
		Tags:        []string{"Relay"},
	}, h.ExtractVideo)
}

// ExtractVideoInput is the request of GET /extractor/video.
type ExtractVideoInput struct {
	URL            string `query:"url" doc:"Plain, percent-encoded, or base64-encoded target URL."`
	Host           string `query:"host" doc:"Optional host hint to bypass URL-based extractor dispatch."`
	RedirectStream bool   `query:"redirect_stream" doc:"When true, respond with a 302 redirect to the resolved destination instead of a JSON descriptor."`
	APIPassword    string `query:"api_password"`
}

// ExtractVideoOutput is the response of GET /extractor/video. Location is
// set (and Status forced to 302) only when redirect_stream is true; huma
// recognizes both the Status field name and the header-tagged field as a
// redirect response, per output.go's header-field convention.
type ExtractVideoOutput struct {
	Status   int
	Location string `header:"Location"`
	Body     struct {
		DestinationURL string            `json:"destination_url"`
		RequestHeaders map[string]string `json:"request_headers"`
		EndpointKind   string            `json:"endpoint_kind"`
	}
}

// ExtractVideo decodes input.URL (plain, percent-encoded, or base64),
// dispatches it through the extractor registry, and either returns the
// resolved descriptor as JSON or issues a 302 redirect to it.
func (h *ExtractorHandler) ExtractVideo(ctx context.Context, input *ExtractVideoInput) (*ExtractVideoOutput, error) {
	if err := checkBodyAPIPassword(input.APIPassword, h.relay.cfg.Proxy.APIPassword); err != nil {
		return nil, huma.Error401Unauthorized("missing or invalid api_password")
	}
	if input.URL == "" {
		return nil, huma.Error400BadRequest("url is required")
	}

	rawURL, err := decodeTargetURL(input.URL)
	if err != nil {
		return nil, huma.Error400BadRequest("url could not be decoded", err)
	}

	ex, err := h.relay.registry.Select(rawURL, input.Host)
	if err != nil {
		return nil, huma.Error500InternalServerError("no extractor available", err)
	}

	descriptor, err := extractor.Extract(ctx, ex, rawURL)
	if err != nil {
		return nil, huma.Error502BadGateway("extraction failed", err)
	}

	out := &ExtractVideoOutput{}
	if input.RedirectStream {
		out.Status = 302
		out.Location = descriptor.DestinationURL
		return out, nil
	}

	out.Status = 200
	out.Body.DestinationURL = descriptor.DestinationURL
	out.Body.RequestHeaders = descriptor.RequestHeaders
	out.Body.EndpointKind = string(descriptor.EndpointKind)
	return out, nil
}

// decodeTargetURL accepts a plain URL, a percent-encoded URL, or a
// base64-encoded URL, and returns the decoded absolute URL, per
// spec.md §6's "URL may be plain, percent-encoded, or base64" rule.
func decodeTargetURL(raw string) (string, error) {
	if looksLikeURL(raw) {
		return raw, nil
	}
	if decoded, err := url.QueryUnescape(raw); err == nil && looksLikeURL(decoded) {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && looksLikeURL(string(decoded)) {
		return string(decoded), nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(raw); err == nil && looksLikeURL(string(decoded)) {
		return string(decoded), nil
	}
	return "", errNotAURL
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
