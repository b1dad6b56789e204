package egress

import (
	"testing"

	"github.com/Corrah/CorrahFlow/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestResolveProxy_RouteMatch(t *testing.T) {
	routes := []config.Route{
		{URLPattern: "vavoo.to", Proxy: "socks5://127.0.0.1:1080"},
	}
	r := NewRouter(routes, nil)
	assert.Equal(t, "socks5://127.0.0.1:1080", r.ResolveProxy("https://vavoo.to/play/x.m3u8"))
}

func TestResolveProxy_RouteMatchDirect(t *testing.T) {
	routes := []config.Route{
		{URLPattern: "direct.example", Proxy: ""},
	}
	r := NewRouter(routes, []string{"http://pool.example:8080"})
	assert.Equal(t, "", r.ResolveProxy("https://direct.example/x.m3u8"))
}

func TestResolveProxy_NoMatchFallsBackToPool(t *testing.T) {
	pool := []string{"http://pool-a:8080", "http://pool-b:8080"}
	r := NewRouter(nil, pool)
	got := r.ResolveProxy("https://unrelated.example/x.m3u8")
	assert.Contains(t, pool, got)
}

func TestResolveProxy_NoMatchEmptyPoolIsDirect(t *testing.T) {
	r := NewRouter(nil, nil)
	assert.Equal(t, "", r.ResolveProxy("https://unrelated.example/x.m3u8"))
}

func TestResolveProxy_EmptyURLIsDirect(t *testing.T) {
	r := NewRouter(nil, []string{"http://pool:8080"})
	assert.Equal(t, "", r.ResolveProxy(""))
}

func TestResolveTLS_DefaultsToVerify(t *testing.T) {
	r := NewRouter(nil, nil)
	assert.False(t, r.ResolveTLS("https://anything.example"))
}

func TestResolveTLS_RouteOverride(t *testing.T) {
	routes := []config.Route{
		{URLPattern: "insecure.example", DisableTLSVerify: true},
	}
	r := NewRouter(routes, nil)
	assert.True(t, r.ResolveTLS("https://insecure.example/x"))
}

func TestResolveProxy_CaseSensitive(t *testing.T) {
	routes := []config.Route{{URLPattern: "Vavoo.to", Proxy: "socks5://x"}}
	r := NewRouter(routes, nil)
	assert.Equal(t, "", r.ResolveProxy("https://vavoo.to/x.m3u8"))
}

func TestResolveProxy_FirstMatchWins(t *testing.T) {
	routes := []config.Route{
		{URLPattern: "example.com", Proxy: "http://first:8080"},
		{URLPattern: "example.com", Proxy: "http://second:8080"},
	}
	r := NewRouter(routes, nil)
	assert.Equal(t, "http://first:8080", r.ResolveProxy("https://example.com/x"))
}
