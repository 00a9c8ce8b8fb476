package httpfront

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestAPIHostSetContainsIsCaseInsensitive(t *testing.T) {
	set := newAPIHostSet([]string{"API.example.com"})
	assert.True(t, set.contains("api.example.com"))
	assert.True(t, set.contains("API.EXAMPLE.COM"))
	assert.False(t, set.contains("other.example.com"))
}

func TestResolveProxySiteFromHostHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetHost("example.com")

	site, err := resolveProxySite(ctx)
	require.Nil(t, err)
	assert.Equal(t, "example.com", site)
}

func TestResolveProxySiteEmptyHost(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}

	_, err := resolveProxySite(ctx)
	require.NotNil(t, err)
	assert.Equal(t, "CLIENT_EMPTY_HOST_HEADER", err.Kind)
}

func TestResolveProxySitePrefersForwardedHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetHost("fallback.example.com")
	ctx.Request.Header.Set("Forwarded", `for=192.0.2.1;host=origin.example.com;proto=https, for=198.51.100.1`)

	site, err := resolveProxySite(ctx)
	require.Nil(t, err)
	assert.Equal(t, "origin.example.com", site)
}

func TestResolveProxySiteForwardedMalformed(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Forwarded", `garbage-with-no-equals`)

	_, err := resolveProxySite(ctx)
	require.NotNil(t, err)
	assert.Equal(t, "CLIENT_INVALID_HEADER", err.Kind)
}

func TestResolveProxySiteForwardedMissingHost(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Forwarded", `proto=https`)

	_, err := resolveProxySite(ctx)
	require.NotNil(t, err)
	assert.Equal(t, "CLIENT_INVALID_HEADER", err.Kind)
}

func TestResolveProxySiteFallsBackToXForwardedHost(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetHost("fallback.example.com")
	ctx.Request.Header.Set("X-Forwarded-Host", "origin.example.com, hop2.example.com")
	ctx.Request.Header.Set("X-Forwarded-Proto", "https")

	site, err := resolveProxySite(ctx)
	require.Nil(t, err)
	assert.Equal(t, "origin.example.com", site)
}

func TestResolveProxySiteInvalidXForwardedProto(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Forwarded-Host", "origin.example.com")
	ctx.Request.Header.Set("X-Forwarded-Proto", "ftp")

	_, err := resolveProxySite(ctx)
	require.NotNil(t, err)
	assert.Equal(t, "CLIENT_INVALID_PROTOCOL", err.Kind)
}
