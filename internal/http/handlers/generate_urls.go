package handlers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
)

// GenerateURLsHandler serves the batch URL builder, one of the two
// huma-registered JSON endpoints (spec.md §4.12's documented architectural
// constraint: huma's StreamResponse cannot issue a 302 or set headers before
// the body starts streaming, so every streaming data-plane endpoint stays
// raw chi, and only JSON-in/JSON-out endpoints use huma).
type GenerateURLsHandler struct {
	relay *RelayHandler
}

// NewGenerateURLsHandler builds a GenerateURLsHandler backed by relay's
// proxy base and auth configuration.
func NewGenerateURLsHandler(relay *RelayHandler) *GenerateURLsHandler {
	return &GenerateURLsHandler{relay: relay}
}

// Register registers POST /generate_urls with api.
func (h *GenerateURLsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "generateURLs",
		Method:      "POST",
		Path:        "/generate_urls",
		Summary:     "Batch-build proxy URLs",
		Description: "Builds one proxied URL per requested destination/endpoint pair, applying the same header/auth conventions as the streaming endpoints.",
		Tags:        []string{"Relay"},
	}, h.GenerateURLs)
}

// URLRequest is one entry of GenerateURLsInput.Body.URLs.
type URLRequest struct {
	DestinationURL string            `json:"destination_url" doc:"The upstream URL to proxy."`
	Endpoint       string            `json:"endpoint" enum:"hls,mpd,stream,segment,key,license" doc:"Which proxy endpoint to build a URL for."`
	RequestHeaders map[string]string `json:"request_headers,omitempty" doc:"Headers to forward on every fetch through the generated URL."`
}

// GenerateURLsInput is the request body of POST /generate_urls.
type GenerateURLsInput struct {
	Body struct {
		URLs        []URLRequest `json:"urls"`
		APIPassword string       `json:"api_password,omitempty"`
	}
}

// GeneratedURL is one entry of GenerateURLsOutput.Body.URLs, pairing the
// request back with the result so callers can match by index without
// relying on response order.
type GeneratedURL struct {
	DestinationURL string `json:"destination_url"`
	Endpoint       string `json:"endpoint"`
	URL            string `json:"url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// GenerateURLsOutput is the response body of POST /generate_urls.
type GenerateURLsOutput struct {
	Body struct {
		URLs []GeneratedURL `json:"urls"`
	}
}

var endpointBasePaths = map[string]string{
	"hls":     "/proxy/hls/manifest.m3u8",
	"mpd":     "/proxy/mpd/manifest.m3u8",
	"stream":  "/proxy/stream",
	"segment": "/segment/0",
	"key":     "/key",
	"license": "/license",
}

// GenerateURLs builds input.Body.URLs.Endpoint-specific proxy URLs.
func (h *GenerateURLsHandler) GenerateURLs(ctx context.Context, input *GenerateURLsInput) (*GenerateURLsOutput, error) {
	if err := checkBodyAPIPassword(input.Body.APIPassword, h.relay.cfg.Proxy.APIPassword); err != nil {
		return nil, huma.Error401Unauthorized("missing or invalid api_password")
	}

	out := &GenerateURLsOutput{}
	out.Body.URLs = make([]GeneratedURL, 0, len(input.Body.URLs))
	for _, req := range input.Body.URLs {
		entry := GeneratedURL{DestinationURL: req.DestinationURL, Endpoint: req.Endpoint}
		built, err := h.buildURL(req)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.URL = built
		}
		out.Body.URLs = append(out.Body.URLs, entry)
	}
	return out, nil
}

func (h *GenerateURLsHandler) buildURL(req URLRequest) (string, error) {
	base, ok := endpointBasePaths[req.Endpoint]
	if !ok {
		return "", fmt.Errorf("unknown endpoint %q", req.Endpoint)
	}
	if req.DestinationURL == "" {
		return "", fmt.Errorf("destination_url is required")
	}

	var queryParam string
	switch req.Endpoint {
	case "segment":
		queryParam = "base_url"
	case "key":
		queryParam = "key_url"
	case "license":
		queryParam = "url"
	default:
		queryParam = "d"
	}

	extraParams := buildExtraParams(req.RequestHeaders, h.relay.cfg.Proxy.APIPassword)
	u := fmt.Sprintf("%s?%s=%s%s", base, queryParam, url.QueryEscape(req.DestinationURL), extraParams)
	return u, nil
}

// checkBodyAPIPassword validates a batch request's JSON-body api_password,
// per spec.md §6's "for POST batch, the JSON body" auth rule.
func checkBodyAPIPassword(supplied, configured string) error {
	if configured == "" {
		return nil
	}
	if supplied != configured {
		return fmt.Errorf("api_password mismatch")
	}
	return nil
}
