package hlsrewrite

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario (a) from spec.md §8.
func TestRewrite_ScenarioA_KeyAndSegment(t *testing.T) {
	manifest := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="https://o.example/k/1.bin"` + "\n" +
		"#EXTINF:6.0,\n" +
		"https://o.example/s/seg1.ts\n"

	out, err := Rewrite(Options{
		ManifestText: manifest,
		UpstreamURL:  "https://o.example/pl.m3u8",
		ProxyBase:    "https://p.example",
	})
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	var keyLine, segLine string
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-KEY:") {
			keyLine = l
		}
		if strings.HasPrefix(l, "https://p.example/segment") {
			segLine = l
		}
	}

	assert.Contains(t, keyLine, "https://p.example/key?key_url=https%3A%2F%2Fo.example%2Fk%2F1.bin")
	require.NotEmpty(t, segLine)
	assert.Contains(t, segLine, "d=https%3A%2F%2Fo.example%2Fs%2Fseg1.ts")
}

// invariant 1.
func TestRewrite_Invariant_EveryURIPointsAtProxy(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n#EXTINF:4.0,\nseg2.ts\n"
	out, err := Rewrite(Options{
		ManifestText: manifest,
		UpstreamURL:  "https://o.example/dir/pl.m3u8",
		ProxyBase:    "https://p.example",
	})
	require.NoError(t, err)

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := url.Parse(line)
		require.NoError(t, err)
		assert.Equal(t, "p.example", u.Host)
		assert.Contains(t, u.Query().Get("d"), "o.example")
	}
}

// invariant 5: rewrite is a fixed point on already-proxied playlists.
func TestRewrite_Invariant_FixedPointOnAlreadyProxied(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"
	opts := Options{
		ManifestText: manifest,
		UpstreamURL:  "https://o.example/dir/pl.m3u8",
		ProxyBase:    "https://p.example",
	}
	once, err := Rewrite(opts)
	require.NoError(t, err)

	twice, err := Rewrite(Options{
		ManifestText: once,
		UpstreamURL:  "https://p.example/segment",
		ProxyBase:    "https://p.example",
	})
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRewrite_HeaderForwardingAsHParams(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"
	out, err := Rewrite(Options{
		ManifestText: manifest,
		UpstreamURL:  "https://o.example/pl.m3u8",
		ProxyBase:    "https://p.example",
		Headers:      map[string]string{"User-Agent": "curl/8.0"},
		APIPassword:  "secret",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "h_user-agent=curl%2F8.0")
	assert.Contains(t, out, "api_password=secret")
}

func TestIsMaskedManifest(t *testing.T) {
	assert.True(t, IsMaskedManifest("text/css", []byte("#EXTM3U\n#EXTINF:4,\nseg1.ts\n")))
	assert.False(t, IsMaskedManifest("text/css", []byte("body { color: red; }")))
	assert.False(t, IsMaskedManifest("application/vnd.apple.mpegurl", []byte("#EXTM3U\n")))
}

func TestIsValidUTF8(t *testing.T) {
	assert.True(t, IsValidUTF8([]byte("#EXTM3U\n")))
	assert.False(t, IsValidUTF8([]byte{0xff, 0xfe, 0x00, 0x01}))
}
