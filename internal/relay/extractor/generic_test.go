package extractor

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	do func(*http.Request) (*http.Response, error)
}

func (f *fakeDialer) Do(req *http.Request) (*http.Response, error) { return f.do(req) }

func redirectResponse(location string, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Location": []string{location}},
		Body:       http.NoBody,
	}
}

func TestExtract_PlainURLPassesThrough(t *testing.T) {
	ex := NewGenericExtractor(&fakeDialer{}, nil, false, nil)
	desc, err := ex.Extract(context.Background(), "https://o.example/stream.m3u8", false)
	require.NoError(t, err)
	assert.Equal(t, "https://o.example/stream.m3u8", desc.DestinationURL)
	assert.Equal(t, EndpointHLSProxy, desc.EndpointKind)
	assert.Equal(t, "https://o.example/", desc.RequestHeaders["Referer"])
	assert.Equal(t, "https://o.example", desc.RequestHeaders["Origin"])
}

func TestExtract_Redirector_ResolvesViaPrimary(t *testing.T) {
	primary := &fakeDialer{do: func(req *http.Request) (*http.Response, error) {
		return redirectResponse("https://o.example/final.m3u8", http.StatusFound), nil
	}}
	ex := NewGenericExtractor(primary, nil, false, nil)

	desc, err := ex.Extract(context.Background(), "https://redirector.example/resolve/abc", false)
	require.NoError(t, err)
	assert.Equal(t, "https://o.example/final.m3u8", desc.DestinationURL)
	assert.Equal(t, "https://strem.io/", desc.RequestHeaders["Referer"])
}

func TestExtract_Redirector_FallsBackToDirect(t *testing.T) {
	primary := &fakeDialer{do: func(req *http.Request) (*http.Response, error) {
		return nil, assertErr("proxy unreachable")
	}}
	direct := &fakeDialer{do: func(req *http.Request) (*http.Response, error) {
		return redirectResponse("https://o.example/final.m3u8", http.StatusMovedPermanently), nil
	}}
	ex := NewGenericExtractor(primary, direct, true, nil)

	desc, err := ex.Extract(context.Background(), "https://torrentio.example/stream", false)
	require.NoError(t, err)
	assert.Equal(t, "https://o.example/final.m3u8", desc.DestinationURL)
}

func TestExtract_Redirector_NoFallbackWithoutPool(t *testing.T) {
	primary := &fakeDialer{do: func(req *http.Request) (*http.Response, error) {
		return nil, assertErr("network error")
	}}
	ex := NewGenericExtractor(primary, nil, false, nil)

	_, err := ex.Extract(context.Background(), "https://x.example/resolve/abc", false)
	assert.Error(t, err)
}

func TestMergeHeaders_UserAgentRequiresBrowserMarker(t *testing.T) {
	base := map[string]string{"User-Agent": "base-agent"}
	merged := MergeHeaders(base, map[string]string{"User-Agent": "curl/8.0"}, false)
	assert.Equal(t, "base-agent", merged["User-Agent"])

	merged = MergeHeaders(base, map[string]string{"User-Agent": "Mozilla/5.0 Chrome/124"}, false)
	assert.Equal(t, "Mozilla/5.0 Chrome/124", merged["User-Agent"])
}

func TestMergeHeaders_DeniesIPLeakHeaders(t *testing.T) {
	caller := map[string]string{
		"X-Forwarded-For": "1.2.3.4",
		"X-Real-IP":       "1.2.3.4",
		"Forwarded":       "for=1.2.3.4",
		"Via":             "1.1 proxy",
	}
	merged := MergeHeaders(map[string]string{}, caller, false)
	assert.Empty(t, merged)
}

func TestMergeHeaders_PassthroughAllowlist(t *testing.T) {
	caller := map[string]string{
		"Authorization": "Bearer abc",
		"Cookie":        "session=1",
		"X-Channel-Key": "key-1",
		"X-Unknown":     "dropped",
	}
	merged := MergeHeaders(map[string]string{}, caller, false)
	assert.Equal(t, "Bearer abc", merged["Authorization"])
	assert.Equal(t, "session=1", merged["Cookie"])
	assert.Equal(t, "key-1", merged["X-Channel-Key"])
	assert.NotContains(t, merged, "X-Unknown")
}

func TestMergeHeaders_DropsUnrelatedRefererForRedirector(t *testing.T) {
	caller := map[string]string{"Referer": "https://pcdn.example/"}
	merged := MergeHeaders(map[string]string{"Referer": "https://strem.io/"}, caller, true)
	assert.Equal(t, "https://strem.io/", merged["Referer"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
