package keypipe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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

func TestFetchStaticKey(t *testing.T) {
	result, err := FetchStaticKey("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", result.ContentType)
	assert.Len(t, result.Body, 16)
}

func TestFetchStaticKey_InvalidHex(t *testing.T) {
	_, err := FetchStaticKey("not-hex")
	assert.Error(t, err)
}

func TestFetchRemoteKey_StripsRangeAndNormalizesUA(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{newResponse(200, "key-bytes", nil)}}
	r := New(dialer, nil, nil)

	result, err := r.FetchRemoteKey(context.Background(), "https://key.example/k", map[string]string{
		"Range": "bytes=0-10",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-bytes"), result.Body)

	require.Len(t, dialer.requests, 1)
	assert.Empty(t, dialer.requests[0].Header.Get("Range"))
	assert.Equal(t, defaultUserAgent, dialer.requests[0].Header.Get("User-Agent"))
}

func TestFetchRemoteKey_SendsHeartbeatBeforeKeyFetch(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{
		newResponse(200, "hb-ok", nil),
		newResponse(200, "key-bytes", nil),
	}}
	r := New(dialer, nil, nil)

	_, err := r.FetchRemoteKey(context.Background(), "https://key.example/k", map[string]string{
		"Heartbeat-Url":  "https://hb.example/ping",
		"X-Client-Token": "tok123",
		"Authorization":  "Bearer xyz",
	}, "")
	require.NoError(t, err)

	require.Len(t, dialer.requests, 2)
	assert.Equal(t, "https://hb.example/ping", dialer.requests[0].URL.String())
	assert.Equal(t, "tok123", dialer.requests[0].Header.Get("X-Client-Token"))
	assert.Equal(t, "https://key.example/k", dialer.requests[1].URL.String())
	assert.Empty(t, dialer.requests[1].Header.Get("Heartbeat-Url"), "heartbeat pseudo-header must never forward to the key endpoint")
	assert.Empty(t, dialer.requests[1].Header.Get("X-Client-Token"), "client token pseudo-header must never forward to the key endpoint")
}

type fakeInvalidator struct {
	calledURL string
}

func (f *fakeInvalidator) InvalidateCacheForURL(ctx context.Context, channelURL string) error {
	f.calledURL = channelURL
	return nil
}

func TestFetchRemoteKey_NonOKInvalidatesCache(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{newResponse(404, "not found", nil)}}
	inv := &fakeInvalidator{}
	r := New(dialer, nil, inv)

	_, err := r.FetchRemoteKey(context.Background(), "https://key.example/k", nil, "https://channel.example/x")
	require.Error(t, err)
	assert.Equal(t, "https://channel.example/x", inv.calledURL)
}

func TestBuildClearKeyJWK(t *testing.T) {
	kid := "00000000000000000000000000000000"
	key := "11111111111111111111111111111111"[:32]
	out, err := BuildClearKeyJWK(kid + ":" + key)
	require.NoError(t, err)

	var decoded jwkSet
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "temporary", decoded.Typ)
	require.Len(t, decoded.Keys, 1)
	assert.Equal(t, "oct", decoded.Keys[0].Kty)
	assert.Equal(t, "temporary", decoded.Keys[0].Typ)

	kidBytes, err := base64.RawURLEncoding.DecodeString(decoded.Keys[0].Kid)
	require.NoError(t, err)
	assert.Len(t, kidBytes, 16)
}

func TestBuildClearKeyJWK_MultipleKeys(t *testing.T) {
	out, err := BuildClearKeyJWK("00000000000000000000000000000000:11111111111111111111111111111111,22222222222222222222222222222222:33333333333333333333333333333333")
	require.NoError(t, err)

	var decoded jwkSet
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Len(t, decoded.Keys, 2)
}

func TestBuildClearKeyJWK_InvalidHexRejected(t *testing.T) {
	_, err := BuildClearKeyJWK("zz:yy")
	assert.Error(t, err)
}

func TestProxyLicense_ForwardsBodyAndHeaders(t *testing.T) {
	dialer := &fakeDialer{responses: []*http.Response{newResponse(200, `{"license":"ok"}`, map[string]string{"Content-Type": "application/json"})}}
	r := New(dialer, nil, nil)

	result, err := r.ProxyLicense(context.Background(), http.MethodPost, "https://license.example/l",
		map[string]string{"Authorization": "Bearer abc"}, "application/octet-stream", []byte("challenge-bytes"))
	require.NoError(t, err)

	assert.Equal(t, 200, result.Status)
	assert.Equal(t, "application/json", result.ContentType)
	assert.Equal(t, []byte(`{"license":"ok"}`), result.Body)

	require.Len(t, dialer.requests, 1)
	assert.Equal(t, "Bearer abc", dialer.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "application/octet-stream", dialer.requests[0].Header.Get("Content-Type"))
	sentBody, _ := io.ReadAll(dialer.requests[0].Body)
	assert.Equal(t, "challenge-bytes", string(sentBody))
}
