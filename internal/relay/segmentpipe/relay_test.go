package segmentpipe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	requests  []*http.Request
	responses []*http.Response
	err       error
}

func (f *fakeDialer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func newResponse(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestForwardHeaders_DropsDeniedRegardlessOfRedirector(t *testing.T) {
	headers := map[string]string{
		"X-Forwarded-For": "1.2.3.4",
		"X-Real-IP":       "1.2.3.4",
		"Forwarded":       "for=1.2.3.4",
		"Via":             "1.1 proxy",
		"User-Agent":      "curl/8",
	}
	out := forwardHeaders(headers, false)
	assert.Len(t, out, 1)
	assert.Equal(t, "curl/8", out["User-Agent"])
}

func TestForwardHeaders_StripsCacheValidatorsForRedirector(t *testing.T) {
	headers := map[string]string{
		"Range":         "bytes=0-10",
		"If-None-Match": `"etag"`,
		"Authorization": "Bearer abc",
	}
	out := forwardHeaders(headers, true)
	assert.Empty(t, out["Range"])
	assert.Empty(t, out["If-None-Match"])
	assert.Equal(t, "Bearer abc", out["Authorization"])
}

func TestForwardHeaders_KeepsCacheValidatorsWhenNotRedirector(t *testing.T) {
	headers := map[string]string{"Range": "bytes=0-10"}
	out := forwardHeaders(headers, false)
	assert.Equal(t, "bytes=0-10", out["Range"])
}

func TestFetchPlain_ForcesMP2TForTSPaths(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{newResponse(200, "ts-bytes", map[string]string{"Content-Type": "application/octet-stream"})}}
	p := New(dialer, nil, nil, NewSegmentCache(), NewInitCache(), nil)

	result, err := p.FetchPlain(context.Background(), SegmentRequest{URL: "https://example/media/segment-001.ts"})
	require.NoError(t, err)
	defer result.Body.Close()

	assert.Equal(t, "video/MP2T", result.ContentType)
	assert.Contains(t, result.ContentDisposition, "segment-001.ts")

	body, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "ts-bytes", string(body))
}

func TestFetchPlain_PropagatesUpstreamError(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{newResponse(404, "not found", nil)}}
	p := New(dialer, nil, nil, NewSegmentCache(), NewInitCache(), nil)

	_, err := p.FetchPlain(context.Background(), SegmentRequest{URL: "https://example/media/segment-001.ts"})
	require.Error(t, err)
}

func TestCopyChunked(t *testing.T) {
	var buf bytes.Buffer
	src := bytes.NewReader(bytes.Repeat([]byte("x"), streamChunkSize*3+17))
	n, err := CopyChunked(&buf, src)
	require.NoError(t, err)
	assert.EqualValues(t, streamChunkSize*3+17, n)
	assert.Equal(t, streamChunkSize*3+17, buf.Len())
}

func TestNextSegmentURLs_PreservesZeroPadding(t *testing.T) {
	urls := NextSegmentURLs("https://example.com/media/segment_01035.m4s", 3)
	require.Len(t, urls, 3)
	assert.Equal(t, "https://example.com/media/segment_01036.m4s", urls[0])
	assert.Equal(t, "https://example.com/media/segment_01037.m4s", urls[1])
	assert.Equal(t, "https://example.com/media/segment_01038.m4s", urls[2])
}

func TestNextSegmentURLs_NoTrailingNumberReturnsNil(t *testing.T) {
	urls := NextSegmentURLs("https://example.com/media/init.mp4", 3)
	assert.Nil(t, urls)
}
