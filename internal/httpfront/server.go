// Package httpfront is the gateway's public HTTP surface: request routing,
// mode selection (API vs proxy), and response formatting, built on
// valyala/fasthttp to match the rendering stack's existing server.
package httpfront

import (
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/coordinator"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/requestid"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

// Config bundles the parts of the root config this front needs, so the
// package doesn't depend on the full config.Config shape.
type Config struct {
	APIHosts            []string
	EnableHomepage      bool
	DisallowUnknownSite bool
	Cache               config.CacheConfig
	AdminSharedSecret   string
}

// Server dispatches inbound requests between API mode and proxy mode and
// renders responses from the coordinator and sitemap aggregator.
type Server struct {
	resolver    *siteconfig.Resolver
	coordinator *coordinator.Coordinator
	aggregator  *sitemap.Aggregator
	store       *snapshot.Store
	redisHealth *redisutil.Client
	logger      *zap.Logger

	apiHosts            apiHostSet
	enableHomepage      bool
	disallowUnknownSite bool
	cacheConfig         config.CacheConfig
	adminSecret         string
}

// New wires a Server. redisHealth is used only for the /readyz probe; any
// connected Client (reader or writer) works.
func New(cfg Config, resolver *siteconfig.Resolver, coord *coordinator.Coordinator, aggregator *sitemap.Aggregator, store *snapshot.Store, redisHealth *redisutil.Client, logger *zap.Logger) *Server {
	return &Server{
		resolver:            resolver,
		coordinator:         coord,
		aggregator:          aggregator,
		store:               store,
		redisHealth:         redisHealth,
		logger:              logger,
		apiHosts:            newAPIHostSet(cfg.APIHosts),
		enableHomepage:      cfg.EnableHomepage,
		disallowUnknownSite: cfg.DisallowUnknownSite,
		cacheConfig:         cfg.Cache,
		adminSecret:         cfg.AdminSharedSecret,
	}
}

// HandleRequest is the fasthttp entrypoint: method gate -> mode select ->
// route dispatch (spec.md §9's middleware pipeline, flattened since no
// dynamic middleware injection is needed).
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	requestID := requestid.GenerateRequestID(customRequestID)
	ctx.Response.Header.Set("X-Request-ID", requestID)

	logger := s.logger.With(zap.String("request_id", requestID))
	path := string(ctx.Path())

	switch path {
	case "/healthz":
		s.handleHealthz(ctx)
		return
	case "/readyz":
		s.handleReadyz(ctx)
		return
	case "/internal/cache/invalidate":
		s.handleInvalidate(ctx)
		return
	}

	if path == "/" && ctx.IsHead() {
		ctx.SetStatusCode(fasthttp.StatusOK)
		return
	}

	if !ctx.IsGet() && !ctx.IsHead() {
		logger.Warn("method not allowed", zap.String("method", string(ctx.Method())))
		writeGatewayError(ctx, coordinator.ErrMethodNotAllowed(string(ctx.Method())), logger)
		return
	}

	host := string(ctx.Host())
	if s.apiHosts.contains(host) {
		s.dispatchAPI(ctx, requestID, logger)
		return
	}
	s.dispatchProxy(ctx, requestID, logger)
}

func (s *Server) dispatchAPI(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	path := string(ctx.Path())

	switch {
	case path == "/render":
		s.handleRenderAPI(ctx, requestID, false)
		return
	case path == "/cache":
		s.handleRenderAPI(ctx, requestID, true)
		return
	case path == "/" && s.enableHomepage:
		ctx.Response.Header.SetContentType("text/html; charset=utf-8")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("<html><body><h1>kasha gateway</h1></body></html>")
		return
	}

	if site, rest, ok := splitSiteSegment(path); ok {
		s.handleSitemapAPI(ctx, site, rest)
		return
	}

	if rawURL, ok := strings.CutPrefix(path, "/"); ok && looksLikeURL(rawURL) {
		if q := ctx.QueryArgs().QueryString(); len(q) > 0 {
			rawURL = rawURL + "?" + string(q)
		}
		s.handleStaticFetch(ctx, requestID, rawURL)
		return
	}

	logger.Warn("no such API endpoint", zap.String("path", path))
	writeGatewayError(ctx, coordinator.ErrNoSuchAPI(path), logger)
}

func (s *Server) dispatchProxy(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	site, gwErr := resolveProxySite(ctx)
	if gwErr != nil {
		writeGatewayError(ctx, gwErr, logger)
		return
	}
	site = siteconfig.NormalizeHost(site)

	if _, _, ok := matchSitemapPath(string(ctx.Path())); ok {
		s.handleSitemapProxy(ctx, site)
		return
	}
	s.handleRenderProxy(ctx, requestID, site)
}

// splitSiteSegment splits an API-mode path of the form
// /<site>/sitemap.1.xml into (site, /sitemap.1.xml). ok is false if path
// has no second segment or the remainder isn't a sitemap/robots route.
func splitSiteSegment(path string) (site, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "", "", false
	}
	site = trimmed[:idx]
	rest = trimmed[idx:]
	if site == "" {
		return "", "", false
	}
	if _, _, matched := matchSitemapPath(rest); !matched {
		return "", "", false
	}
	return site, rest, true
}

func looksLikeURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.SetContentType("text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

func (s *Server) handleReadyz(ctx *fasthttp.RequestCtx) {
	if s.redisHealth != nil {
		if err := s.redisHealth.HealthCheck(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			ctx.Response.Header.SetContentType("text/plain")
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString("bus not available")
			return
		}
	}
	ctx.Response.Header.SetContentType("text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

// handleInvalidate is the one write operation this gateway exposes
// (SPEC_FULL.md §6): a shared-secret protected POST that drops a site's
// resolver/aggregator caches and, when path/deviceType/type are given,
// deletes one specific snapshot outright (Postgres row and local cache
// entry) so it cannot be re-served stale.
func (s *Server) handleInvalidate(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		writePlainError(ctx, fasthttp.StatusMethodNotAllowed, "CLIENT_METHOD_NOT_ALLOWED", "must POST")
		return
	}
	secret := string(ctx.Request.Header.Peek("X-Kasha-Admin-Secret"))
	if s.adminSecret == "" || secret != s.adminSecret {
		writePlainError(ctx, fasthttp.StatusUnauthorized, "CLIENT_UNAUTHORIZED", "invalid or missing admin secret")
		return
	}

	args := ctx.QueryArgs()
	site := siteconfig.NormalizeHost(string(args.Peek("site")))
	if site == "" {
		writePlainError(ctx, fasthttp.StatusBadRequest, "CLIENT_INVALID_PARAM", "site is required")
		return
	}

	s.resolver.Invalidate(site)
	s.aggregator.Invalidate(site)

	if path := string(args.Peek("path")); path != "" {
		deviceType := snapshot.DeviceType(args.Peek("deviceType"))
		if deviceType == "" {
			deviceType = snapshot.DeviceDesktop
		}
		kind := snapshot.Kind(args.Peek("type"))
		if kind == "" {
			kind = snapshot.KindHTML
		}
		key := snapshot.Key{Site: site, Path: path, DeviceType: deviceType, Type: kind}
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Error("invalidate: delete snapshot", zap.Error(err), zap.String("site", site), zap.String("path", path))
			writePlainError(ctx, fasthttp.StatusInternalServerError, "SERVER_INTERNAL_ERROR", "failed to delete snapshot")
			return
		}
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
