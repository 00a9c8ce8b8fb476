package httpfront

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	resolver := siteconfig.NewResolver(nil, time.Minute)
	store := snapshot.NewStore(nil, nil)
	aggregator := sitemap.New(store, resolver, time.Minute)
	return New(cfg, resolver, nil, aggregator, store, nil, zap.NewNop())
}

func TestSplitSiteSegmentSitemapPage(t *testing.T) {
	site, rest, ok := splitSiteSegment("/example.com/sitemap.1.xml")
	assert.True(t, ok)
	assert.Equal(t, "example.com", site)
	assert.Equal(t, "/sitemap.1.xml", rest)
}

func TestSplitSiteSegmentRejectsNonSitemapRemainder(t *testing.T) {
	_, _, ok := splitSiteSegment("/example.com/about")
	assert.False(t, ok)
}

func TestSplitSiteSegmentRejectsSingleSegment(t *testing.T) {
	_, _, ok := splitSiteSegment("/render")
	assert.False(t, ok)
}

func TestLooksLikeURL(t *testing.T) {
	assert.True(t, looksLikeURL("https://example.com/a"))
	assert.True(t, looksLikeURL("http://example.com/a"))
	assert.False(t, looksLikeURL("example.com/a"))
	assert.False(t, looksLikeURL("/render"))
}

func TestHandleRequestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/healthz")
	ctx.Request.Header.SetMethod("GET")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "OK", string(ctx.Response.Body()))
	assert.NotEmpty(t, ctx.Response.Header.Peek("X-Request-ID"))
}

func TestHandleRequestReadyzWithoutRedisHealthIsOK(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/readyz")
	ctx.Request.Header.SetMethod("GET")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestHandleRequestHeadRootOK(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	ctx.Request.Header.SetMethod("HEAD")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestHandleRequestRejectsUnsupportedMethod(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/render?url=https://example.com/a")
	ctx.Request.Header.SetMethod("POST")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "CLIENT_METHOD_NOT_ALLOWED", string(ctx.Response.Header.Peek("Kasha-Code")))
}

func TestHandleInvalidateRejectsWrongSecret(t *testing.T) {
	s := newTestServer(t, Config{AdminSharedSecret: "sekrit"})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/internal/cache/invalidate?site=example.com")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.Header.Set("X-Kasha-Admin-Secret", "nope")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestHandleInvalidateRejectsGet(t *testing.T) {
	s := newTestServer(t, Config{AdminSharedSecret: "sekrit"})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/internal/cache/invalidate?site=example.com")
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.Set("X-Kasha-Admin-Secret", "sekrit")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestHandleInvalidateRequiresSite(t *testing.T) {
	s := newTestServer(t, Config{AdminSharedSecret: "sekrit"})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/internal/cache/invalidate")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.Header.Set("X-Kasha-Admin-Secret", "sekrit")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleInvalidateSucceeds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("DELETE FROM snapshots").
		WithArgs("example.com", "/a", "mobile", "html").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	resolver := siteconfig.NewResolver(nil, time.Minute)
	store := snapshot.NewStore(snapshot.NewPostgresStoreWithPool(mock, "snapshots"), nil)
	aggregator := sitemap.New(store, resolver, time.Minute)
	s := New(Config{AdminSharedSecret: "sekrit"}, resolver, nil, aggregator, store, nil, zap.NewNop())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/internal/cache/invalidate?site=example.com&path=/a&deviceType=mobile&type=html")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.Header.Set("X-Kasha-Admin-Secret", "sekrit")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAPIServesHomepageWhenEnabled(t *testing.T) {
	s := newTestServer(t, Config{APIHosts: []string{"api.example.com"}, EnableHomepage: true})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.SetHost("api.example.com")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "kasha gateway")
}

func TestDispatchAPIUnknownEndpoint(t *testing.T) {
	s := newTestServer(t, Config{APIHosts: []string{"api.example.com"}})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/nonsense")
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.SetHost("api.example.com")

	s.HandleRequest(ctx)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "CLIENT_NO_SUCH_API", string(ctx.Response.Header.Peek("Kasha-Code")))
}
